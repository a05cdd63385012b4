package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"

	"github.com/trezcool/alama/core/grade"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	db       *sql.DB
	gradeSvc *grade.Service
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate up|up-by-one|up-to|down|down-to|redo|reset|status|version [ARGS] - run database migrations")
	fmt.Println("  unlock -grade GRADE_ID -component tx|dk|final - force the release of a stale component lock")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	unlockCmd := flag.NewFlagSet("unlock", flag.ExitOnError)
	unlockGradeID := unlockCmd.String("grade", "", "The grade record's ID.")
	unlockComponent := unlockCmd.String("component", "", "The locked score component: tx, dk or final.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "unlock":
		if err := unlockCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *unlockGradeID == "" || *unlockComponent == "" {
			unlockCmd.Usage()
			return errHelp
		}
		return cli.unlock(*unlockGradeID, *unlockComponent)
	default:
		cli.printUsage()
		return errHelp
	}
}
