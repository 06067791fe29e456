package echoapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-directory/core/progression"
)

// ProgressionService is the progression engine driven by the API.
type ProgressionService interface {
	Start(ctx context.Context, req progression.StartRequest, operatorID string) (progression.StartResult, error)
	GetStatus(ctx context.Context, id string) (progression.Status, error)
	QueryAudit(ctx context.Context, id string) ([]progression.AuditEntry, error)
	AssignClass(ctx context.Context, workflowID, dependentID, className, operatorID string) (progression.Assignment, error)
	MarkDeparting(ctx context.Context, workflowID string, req progression.DepartingRequest, operatorID string) ([]progression.DepartingRecord, error)
	UnmarkDeparting(ctx context.Context, workflowID, dependentID string) (progression.Change, error)
	AddNewDependent(ctx context.Context, workflowID string, payload progression.NewDependentPayload, operatorID string) (progression.NewDependent, error)
	Apply(ctx context.Context, workflowID, operatorID string) (progression.ApplyStats, error)
}

var _ ProgressionService = (*progression.Service)(nil)

type progressionApi struct {
	svc ProgressionService
}

type departingResponse struct {
	Departing []progression.DepartingRecord `json:"departing"`
}

func registerProgressionAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc ProgressionService) {
	api := progressionApi{svc: svc}

	pg := g.Group("/progressions", jwt, adminMiddleware())
	pg.POST("", api.start)

	// detail endpoints
	dg := pg.Group("/:id")
	dg.GET("", api.status)
	dg.GET("/audit", api.audit)
	dg.PUT("/assignments/:dependentId", api.assign)
	dg.POST("/departing", api.markDeparting)
	dg.DELETE("/departing/:dependentId", api.unmarkDeparting)
	dg.POST("/new-dependents", api.addNewDependent)
	dg.POST("/apply", api.apply)
}

// Handlers

func (api *progressionApi) start(ctx echo.Context) error {
	op, err := getContextOperator(ctx)
	if err != nil {
		return err
	}
	var data progression.StartRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to StartRequest")
	}

	res, err := api.svc.Start(ctx.Request().Context(), data, op.ID)
	if err != nil {
		return errors.Wrap(err, "starting progression")
	}
	return ctx.JSON(http.StatusCreated, res)
}

func (api *progressionApi) status(ctx echo.Context) error {
	st, err := api.svc.GetStatus(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting progression status")
	}
	return ctx.JSON(http.StatusOK, st)
}

func (api *progressionApi) audit(ctx echo.Context) error {
	entries, err := api.svc.QueryAudit(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "querying progression audit")
	}
	return ctx.JSON(http.StatusOK, entries)
}

func (api *progressionApi) assign(ctx echo.Context) error {
	op, err := getContextOperator(ctx)
	if err != nil {
		return err
	}
	var data progression.AssignClassRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AssignClassRequest")
	}

	a, err := api.svc.AssignClass(ctx.Request().Context(), ctx.Param("id"), ctx.Param("dependentId"), data.AssignedClass, op.ID)
	if err != nil {
		return errors.Wrap(err, "assigning class")
	}
	return ctx.JSON(http.StatusOK, a)
}

func (api *progressionApi) markDeparting(ctx echo.Context) error {
	op, err := getContextOperator(ctx)
	if err != nil {
		return err
	}
	var data progression.DepartingRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to DepartingRequest")
	}

	records, err := api.svc.MarkDeparting(ctx.Request().Context(), ctx.Param("id"), data, op.ID)
	if err != nil {
		return errors.Wrap(err, "marking departing")
	}
	return ctx.JSON(http.StatusOK, departingResponse{Departing: records})
}

func (api *progressionApi) unmarkDeparting(ctx echo.Context) error {
	c, err := api.svc.UnmarkDeparting(ctx.Request().Context(), ctx.Param("id"), ctx.Param("dependentId"))
	if err != nil {
		return errors.Wrap(err, "unmarking departing")
	}
	return ctx.JSON(http.StatusOK, c)
}

func (api *progressionApi) addNewDependent(ctx echo.Context) error {
	op, err := getContextOperator(ctx)
	if err != nil {
		return err
	}
	var data progression.NewDependentPayload
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewDependentPayload")
	}

	nd, err := api.svc.AddNewDependent(ctx.Request().Context(), ctx.Param("id"), data, op.ID)
	if err != nil {
		return errors.Wrap(err, "adding new dependent")
	}
	return ctx.JSON(http.StatusCreated, nd)
}

func (api *progressionApi) apply(ctx echo.Context) error {
	op, err := getContextOperator(ctx)
	if err != nil {
		return err
	}
	stats, err := api.svc.Apply(ctx.Request().Context(), ctx.Param("id"), op.ID)
	if err != nil {
		return errors.Wrap(err, "applying progression")
	}
	return ctx.JSON(http.StatusOK, stats)
}
