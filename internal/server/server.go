// Package server exposes stored evidence, ratings and derived views over a
// read-only JSON API.
package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/civicledger/panelscore/internal/directory"
	"github.com/civicledger/panelscore/internal/logging"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/reliability"
	"github.com/civicledger/panelscore/internal/store"
	"github.com/civicledger/panelscore/internal/worker"
)

// Store is the read side the API serves from
type Store interface {
	ListEvidence(ctx context.Context, f store.EvidenceFilter) ([]model.EvidenceItem, error)
	ListRatings(ctx context.Context, f store.RatingFilter) ([]model.Rating, error)
	ListCells(ctx context.Context, politicianID string) ([]model.Cell, error)
	GetEvidence(ctx context.Context, id int64) (model.EvidenceItem, error)
	Politicians(ctx context.Context) ([]string, error)
}

// Scores computes score views
type Scores interface {
	Final(ctx context.Context, politicianID string) (model.FinalScore, error)
	Category(ctx context.Context, politicianID string, category model.Category) (model.CategoryScore, error)
}

// Server is the reporting API
type Server struct {
	app    *fiber.App
	store  Store
	scores Scores
	dir    directory.Directory
	limits *worker.Limiter
	log    *zap.Logger
}

// New builds the API. gatherer backs /metrics; nil uses the default
// registry.
func New(st Store, scores Scores, dir directory.Directory, gatherer prometheus.Gatherer, cfg model.ServerConfig, log *zap.Logger) *Server {
	s := &Server{
		store:  st,
		scores: scores,
		dir:    dir,
		limits: worker.NewLimiter(cfg.RequestsPerSecond, cfg.Burst),
		log:    logging.OrNop(log).With(zap.String("component", "server")),
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	app := fiber.New(fiber.Config{
		AppName:               "panelscore",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(s.requestLog)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	app.Use("/v1", s.rateLimit)
	app.Get("/v1/politicians", s.listPoliticians)
	app.Get("/v1/evidence/:eid", s.getEvidenceItem)

	v1 := app.Group("/v1/politicians/:id")
	v1.Get("/score", s.knownPolitician, s.getScore)
	v1.Get("/score/:category", s.knownPolitician, s.getCategoryScore)
	v1.Get("/evidence", s.knownPolitician, s.getEvidence)
	v1.Get("/ratings", s.knownPolitician, s.getRatings)
	v1.Get("/reliability", s.knownPolitician, s.getReliability)
	v1.Get("/cells", s.knownPolitician, s.getCells)

	s.app = app
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until ctx is cancelled
func (s *Server) Listen(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", addr))
		errc <- s.app.Listen(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.log.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.app.ShutdownWithContext(shutdownCtx)
	}
}

func (s *Server) requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}
	s.log.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("elapsed", time.Since(start)),
	)
	return err
}

// rateLimit rejects clients that exceed their per-IP request budget
func (s *Server) rateLimit(c *fiber.Ctx) error {
	if !s.limits.Allow(c.IP()) {
		s.log.Warn("rate limit exceeded", zap.String("ip", c.IP()), zap.String("path", c.Path()))
		return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
	}
	return c.Next()
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	} else {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (s *Server) knownPolitician(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.dir.Lookup(c.UserContext(), id); err != nil {
		if errors.Is(err, directory.ErrUnknown) {
			return fiber.NewError(fiber.StatusNotFound, "unknown politician "+id)
		}
		return err
	}
	return c.Next()
}

func (s *Server) getScore(c *fiber.Ctx) error {
	final, err := s.scores.Final(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(final)
}

func (s *Server) getCategoryScore(c *fiber.Ctx) error {
	cat, err := model.ParseCategory(c.Params("category"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	cs, err := s.scores.Category(c.UserContext(), c.Params("id"), cat)
	if err != nil {
		return err
	}
	return c.JSON(cs)
}

// listPoliticians lists ids with stored evidence
func (s *Server) listPoliticians(c *fiber.Ctx) error {
	ids, err := s.store.Politicians(c.UserContext())
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(fiber.Map{"count": len(ids), "politicians": ids})
}

func (s *Server) getEvidenceItem(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("eid"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "evidence id must be an integer")
	}
	item, err := s.store.GetEvidence(c.UserContext(), id)
	if store.IsNotFound(err) {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("evidence %d not found", id))
	}
	if err != nil {
		return err
	}
	return c.JSON(item)
}

func (s *Server) getEvidence(c *fiber.Ctx) error {
	f := store.EvidenceFilter{PoliticianID: c.Params("id")}
	cat, err := category(c)
	if err != nil {
		return err
	}
	f.Category = cat
	if raw := c.Query("class"); raw != "" {
		class, err := model.ParseSourceClass(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		f.SourceClass = class
	}
	f.Collector = c.Query("collector")
	if raw := c.Query("verified"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "verified must be a boolean")
		}
		f.Verified = &v
	}

	items, err := s.store.ListEvidence(c.UserContext(), f)
	if err != nil {
		return err
	}
	if items == nil {
		items = []model.EvidenceItem{}
	}
	return c.JSON(fiber.Map{"count": len(items), "items": items})
}

func (s *Server) getRatings(c *fiber.Ctx) error {
	cat, err := category(c)
	if err != nil {
		return err
	}
	ratings, err := s.store.ListRatings(c.UserContext(), store.RatingFilter{
		PoliticianID: c.Params("id"),
		Category:     cat,
		Evaluator:    c.Query("evaluator"),
	})
	if err != nil {
		return err
	}
	if ratings == nil {
		ratings = []model.Rating{}
	}
	return c.JSON(fiber.Map{"count": len(ratings), "ratings": ratings})
}

func (s *Server) getReliability(c *fiber.Ctx) error {
	id := c.Params("id")
	ratings, err := s.store.ListRatings(c.UserContext(), store.RatingFilter{PoliticianID: id})
	if err != nil {
		return err
	}
	return c.JSON(reliability.Analyze(id, ratings))
}

func (s *Server) getCells(c *fiber.Ctx) error {
	cells, err := s.store.ListCells(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if cells == nil {
		cells = []model.Cell{}
	}
	return c.JSON(fiber.Map{"count": len(cells), "cells": cells})
}

func category(c *fiber.Ctx) (model.Category, error) {
	raw := c.Query("category")
	if raw == "" {
		return "", nil
	}
	cat, err := model.ParseCategory(raw)
	if err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return cat, nil
}
