package echoapi

import (
	"context"
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/alama/core/grade"
)

type gradeApi struct {
	svc        *grade.Service
	validate   *validator.Validate
	translator ut.Translator
}

func registerGradeAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := gradeApi{
		svc:        deps.GradeSvc,
		validate:   deps.Validate,
		translator: deps.Translator,
	}

	gg := g.Group("/grades", jwt)
	gg.POST("", api.create)
	gg.GET("", api.query)

	// detail endpoints
	dg := gg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.PUT("/scores", api.updateScores)
	dg.POST("/submit", api.submit)
	dg.POST("/approve", api.approve, adminMiddleware())
	dg.POST("/final", api.enterFinal)
	dg.POST("/finalize", api.finalize, adminMiddleware())
	dg.POST("/reject", api.reject, adminMiddleware())
	dg.POST("/lock", api.lock)
	dg.DELETE("/lock", api.unlock)
	dg.GET("/history", api.history)

	tg := gg.Group("/transitions/:id")
	tg.POST("/revert", api.revert, adminMiddleware())
}

// request payloads

type (
	versionRequest struct {
		Version int `json:"version" validate:"min=1"`
	}

	updateScoresRequest struct {
		versionRequest
		grade.UpdateScores
	}

	finalRequest struct {
		versionRequest
		FinalScore string `json:"final_score" validate:"required"`
	}

	rejectRequest struct {
		versionRequest
		Reason string `json:"reason" validate:"required"`
	}

	lockRequest struct {
		Component string `json:"component" validate:"required"`
	}
)

// Handlers

func (api *gradeApi) create(ctx echo.Context) error {
	var data grade.NewRecord
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewRecord")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.Create(ctx.Request().Context(), data, actor)
	if err != nil {
		return errors.Wrap(err, "creating grade record")
	}

	return ctx.JSON(http.StatusCreated, rec)
}

func (api *gradeApi) query(ctx echo.Context) error {
	var filter grade.QueryFilter
	if err := ctx.Bind(&filter); err != nil {
		return errors.Wrap(err, "binding to QueryFilter")
	}
	filter.Clean()

	var ord Ordering
	ord.Bind(ctx)

	recs, err := api.svc.Query(ctx.Request().Context(), &filter, ord.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying grade records")
	}
	return ctx.JSON(http.StatusOK, recs)
}

func (api *gradeApi) retrieve(ctx echo.Context) error {
	rec, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *gradeApi) updateScores(ctx echo.Context) error {
	var data updateScoresRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateScores")
	}
	if err := api.validate.Struct(&data.versionRequest); err != nil {
		return err
	}
	if err := data.UpdateScores.Validate(api.validate); err != nil {
		return err
	}

	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.UpdateScores(ctx.Request().Context(), ctx.Param("id"), data.Version, data.UpdateScores, actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *gradeApi) submit(ctx echo.Context) error {
	return api.transition(ctx, api.svc.SubmitForReview)
}

func (api *gradeApi) approve(ctx echo.Context) error {
	return api.transition(ctx, api.svc.ApproveTxDk)
}

func (api *gradeApi) finalize(ctx echo.Context) error {
	return api.transition(ctx, api.svc.Finalize)
}

// transition factors the version-only mutations: bind a version, resolve the
// actor, run the service call.
func (api *gradeApi) transition(
	ctx echo.Context,
	fn func(ctx context.Context, id string, version int, actor grade.Actor) (grade.Record, error),
) error {
	var data versionRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to versionRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	rec, err := fn(ctx.Request().Context(), ctx.Param("id"), data.Version, actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *gradeApi) enterFinal(ctx echo.Context) error {
	var data finalRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to finalRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.EnterFinal(ctx.Request().Context(), ctx.Param("id"), data.Version, data.FinalScore, actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *gradeApi) reject(ctx echo.Context) error {
	var data rejectRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to rejectRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.Reject(ctx.Request().Context(), ctx.Param("id"), data.Version, data.Reason, actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *gradeApi) lock(ctx echo.Context) error {
	var data lockRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to lockRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.Lock(ctx.Request().Context(), ctx.Param("id"), data.Component, actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *gradeApi) unlock(ctx echo.Context) error {
	component := ctx.QueryParam("component")
	force := ctx.QueryParam("force") == "true"

	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.Unlock(ctx.Request().Context(), ctx.Param("id"), component, actor, force)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *gradeApi) history(ctx echo.Context) error {
	trs, err := api.svc.History(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, trs)
}

func (api *gradeApi) revert(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.Revert(ctx.Request().Context(), ctx.Param("id"), actor)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}
