// Package server exposes the HTTP control API.
package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"wa-gateway/bot"
	"wa-gateway/menu"
	"wa-gateway/session"
)

// Server wires the control API routes onto a fiber app.
type Server struct {
	app        *fiber.App
	supervisor *session.Supervisor
	store      menu.Store
	settings   *bot.SettingsStore
	log        zerolog.Logger
}

func New(supervisor *session.Supervisor, store menu.Store, settings *bot.SettingsStore, log zerolog.Logger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		supervisor: supervisor,
		store:      store,
		settings:   settings,
		log:        log.With().Str("component", "server").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)

	api := s.app.Group("/api")
	api.Post("/connect", s.connect)
	api.Post("/disconnect", s.disconnect)
	api.Post("/disconnectAndDelete", s.disconnectAndDelete)
	api.Post("/sendMessage", s.sendMessage)
	api.Get("/sessions", s.sessions)
	api.Get("/sessions/:id", s.sessionByID)
	api.Get("/getQR/:id", s.qr)
	api.Get("/menus", s.menus)
	api.Get("/botSettings/:id", s.getBotSettings)
	api.Post("/botSettings/:id", s.setBotSettings)
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) health(c *fiber.Ctx) error {
	if err := s.store.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) connect(c *fiber.Ctx) error {
	var req sessionRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sessionId is required"})
	}
	if err := s.supervisor.Connect(context.Background(), req.SessionID); err != nil {
		if errors.Is(err, session.ErrExists) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"sessionId": req.SessionID, "status": "connecting"})
}

func (s *Server) disconnect(c *fiber.Ctx) error {
	var req sessionRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sessionId is required"})
	}
	if err := s.supervisor.Disconnect(context.Background(), req.SessionID); err != nil {
		return notFoundOrError(c, err)
	}
	return c.JSON(fiber.Map{"sessionId": req.SessionID, "status": "disconnected"})
}

func (s *Server) disconnectAndDelete(c *fiber.Ctx) error {
	var req sessionRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sessionId is required"})
	}
	if err := s.supervisor.DisconnectAndDelete(context.Background(), req.SessionID); err != nil {
		return notFoundOrError(c, err)
	}
	s.settings.Delete(req.SessionID)
	return c.JSON(fiber.Map{"sessionId": req.SessionID, "status": "deleted"})
}

type sendRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Text      string `json:"text"`
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" || req.To == "" || req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sessionId, to and text are required"})
	}
	if err := s.supervisor.SendText(c.Context(), req.SessionID, req.To, req.Text); err != nil {
		return notFoundOrError(c, err)
	}
	return c.JSON(fiber.Map{"sent": true})
}

func (s *Server) sessions(c *fiber.Ctx) error {
	return c.JSON(s.supervisor.Sessions())
}

func (s *Server) sessionByID(c *fiber.Ctx) error {
	snap, err := s.supervisor.Session(c.Params("id"))
	if err != nil {
		return notFoundOrError(c, err)
	}
	return c.JSON(snap)
}

func (s *Server) qr(c *fiber.Ctx) error {
	qr, err := s.supervisor.QR(c.Params("id"))
	if err != nil {
		return notFoundOrError(c, err)
	}
	return c.JSON(fiber.Map{"qr": qr})
}

type menuEntry struct {
	ID          int64  `json:"id"`
	GroupID     int64  `json:"groupId"`
	ParentID    *int64 `json:"parentId"`
	Keyword     string `json:"keyword"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

func (s *Server) menus(c *fiber.Ctx) error {
	groups := s.store.Groups(c.Context())
	out := make([]fiber.Map, 0, len(groups))
	for _, g := range groups {
		entries := s.store.TopLevel(c.Context(), g.ID)
		items := make([]menuEntry, 0, len(entries))
		for _, e := range entries {
			items = append(items, toMenuEntry(e))
			for _, child := range s.store.Children(c.Context(), e.ID) {
				items = append(items, toMenuEntry(child))
			}
		}
		out = append(out, fiber.Map{
			"id":      g.ID,
			"name":    g.Name,
			"remark":  g.Remark,
			"entries": items,
		})
	}
	return c.JSON(out)
}

func toMenuEntry(e menu.Entry) menuEntry {
	out := menuEntry{
		ID:          e.ID,
		GroupID:     e.GroupID,
		ParentID:    e.ParentID,
		Keyword:     e.Keyword,
		Description: e.Description,
	}
	if e.Content.Kind == menu.ExternalURL {
		out.URL = e.Content.URL
	}
	return out
}

func (s *Server) getBotSettings(c *fiber.Ctx) error {
	return c.JSON(s.settings.Get(c.Params("id")))
}

func (s *Server) setBotSettings(c *fiber.Ctx) error {
	id := c.Params("id")
	cfg := s.settings.Get(id)
	if err := c.BodyParser(&cfg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid settings payload"})
	}
	s.settings.Set(id, cfg)
	return c.JSON(cfg)
}

func notFoundOrError(c *fiber.Ctx, err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
