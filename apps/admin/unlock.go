package main

import (
	"context"
	"fmt"

	"github.com/trezcool/alama/core/grade"
)

// cliActor is the synthetic operator identity recorded on forced unlocks.
var cliActor = grade.Actor{
	ID:    "admin-cli",
	Name:  "Admin CLI",
	Roles: []string{grade.RoleAdminOwner},
}

func (cli *commandLine) unlock(gradeID, component string) error {
	rec, err := cli.gradeSvc.Unlock(context.Background(), gradeID, component, cliActor, true /* force */)
	if err != nil {
		return err
	}
	fmt.Printf("released %q lock on grade %s (version %d)\n", component, rec.ID, rec.Version)
	return nil
}
