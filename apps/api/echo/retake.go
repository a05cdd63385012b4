package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/retake"
)

type retakeApi struct {
	svc        *retake.Service
	validate   *validator.Validate
	translator ut.Translator
}

func registerRetakeAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := retakeApi{
		svc:        deps.RetakeSvc,
		validate:   deps.Validate,
		translator: deps.Translator,
	}

	// analysis hangs off the grade resource
	g.GET("/grades/:id/retake-analysis", api.analyze, jwt)

	rg := g.Group("/retakes", jwt)
	rg.POST("", api.create)
	rg.GET("", api.query)

	dg := rg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.PUT("/scores", api.submitScores)
	dg.POST("/promote", api.promote, adminMiddleware())
}

// Handlers

func (api *retakeApi) analyze(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	analysis, err := api.svc.Analyze(ctx.Request().Context(), ctx.Param("id"), actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, analysis)
}

func (api *retakeApi) create(ctx echo.Context) error {
	var data retake.NewAttempt
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAttempt")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	att, err := api.svc.CreateAttempt(ctx.Request().Context(), data, actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, att)
}

func (api *retakeApi) query(ctx echo.Context) error {
	enrollmentID := core.CleanString(ctx.QueryParam("enrollment_id"))
	if enrollmentID == "" {
		return core.NewValidationError(
			errors.New("enrollment_id is required"),
			core.FieldError{Field: "enrollment_id", Error: "this field is required"},
		)
	}

	atts, err := api.svc.QueryByEnrollment(ctx.Request().Context(), enrollmentID)
	if err != nil {
		return errors.Wrap(err, "querying retake attempts")
	}
	return ctx.JSON(http.StatusOK, atts)
}

func (api *retakeApi) retrieve(ctx echo.Context) error {
	att, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, att)
}

func (api *retakeApi) submitScores(ctx echo.Context) error {
	var data retake.AttemptScores
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AttemptScores")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	att, err := api.svc.SubmitAttemptScores(ctx.Request().Context(), ctx.Param("id"), data, actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, att)
}

func (api *retakeApi) promote(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.Promote(ctx.Request().Context(), ctx.Param("id"), actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}
