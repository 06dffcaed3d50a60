package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	feedws "github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-intake/pkg/directory"
	"github.com/teslashibe/go-intake/pkg/hub"
	"github.com/teslashibe/go-intake/pkg/relay"
	"github.com/teslashibe/go-intake/pkg/store"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":  "ok",
		"version": s.opts.Version,
	}
	if s.relay != nil {
		resp["sessions"] = s.relay.Count()
	}
	if s.feed != nil {
		resp["subscribers"] = s.feed.ClientCount()
	}
	return c.JSON(resp)
}

func (s *Server) handleSessions(c *fiber.Ctx) error {
	if s.relay == nil {
		return c.JSON([]relay.SessionInfo{})
	}
	return c.JSON(s.relay.Sessions())
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	var b strings.Builder
	metric := func(name, kind, help string, v int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %d\n\n", name, help, name, kind, name, v)
	}
	if s.relay != nil {
		st := s.relay.Stats()
		metric("intake_sessions_active", "gauge", "Live relay sessions", st.SessionsActive)
		metric("intake_sessions_total", "counter", "Relay sessions started", st.SessionsTotal)
		metric("intake_messages_in_total", "counter", "Client messages received", st.MessagesIn)
		metric("intake_messages_out_total", "counter", "Messages sent to clients", st.MessagesOut)
		metric("intake_tool_calls_total", "counter", "Tool calls received from the engine", st.ToolCalls)
		metric("intake_records_saved_total", "counter", "Records saved by relay sessions", st.RecordsSaved)
		metric("intake_audio_dropped_total", "counter", "Client audio chunks dropped on a full queue", st.DroppedAudio)
	}
	if s.feed != nil {
		metric("intake_feed_subscribers", "gauge", "Live record feed subscribers", int64(s.feed.ClientCount()))
		metric("intake_feed_dropped_total", "counter", "Feed broadcasts dropped", s.feed.Dropped())
	}
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(b.String())
}

// ----------------------------------------------------------------------------
// Directory
// ----------------------------------------------------------------------------

func (s *Server) handleListEntries(c *fiber.Ctx) error {
	entries, err := s.store.ListEntries(c.UserContext())
	if err != nil {
		return storeError(err)
	}
	return c.JSON(entries)
}

func (s *Server) handleSummary(c *fiber.Ctx) error {
	sum, err := s.store.Summary(c.UserContext())
	if err != nil {
		return storeError(err)
	}
	return c.JSON(sum)
}

func (s *Server) handleCreateEntry(c *fiber.Ctx) error {
	var e directory.Entry
	if err := c.BodyParser(&e); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if missing := e.Missing(); len(missing) > 0 {
		return missingFields(c, missing)
	}
	if err := s.store.CreateEntry(c.UserContext(), &e); err != nil {
		return storeError(err)
	}
	s.publish("", hub.EventDirectory, e)
	return c.Status(fiber.StatusCreated).JSON(e)
}

func (s *Server) handleUpdateEntry(c *fiber.Ctx) error {
	var e directory.Entry
	if err := c.BodyParser(&e); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	e.ID = c.Params("id")
	if missing := e.Missing(); len(missing) > 0 {
		return missingFields(c, missing)
	}
	if err := s.store.UpdateEntry(c.UserContext(), e); err != nil {
		return storeError(err)
	}
	s.publish("", hub.EventDirectory, e)
	return c.JSON(e)
}

func (s *Server) handleDeleteEntry(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.store.DeleteEntry(c.UserContext(), id); err != nil {
		return storeError(err)
	}
	s.publish("", hub.EventDirectory, fiber.Map{"id": id, "deleted": true})
	return c.SendStatus(fiber.StatusNoContent)
}

// ----------------------------------------------------------------------------
// Records
// ----------------------------------------------------------------------------

func (s *Server) handleListRecords(c *fiber.Ctx) error {
	records, err := s.store.ListRecords(c.UserContext(), c.Query("organizationId"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(records)
}

func (s *Server) handleCreateRecord(c *fiber.Ctx) error {
	var r store.Record
	if err := c.BodyParser(&r); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if missing := r.Missing(); len(missing) > 0 {
		return missingFields(c, missing)
	}
	if r.Status != "" && !r.Status.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid status %q", r.Status))
	}

	entry, err := s.store.GetEntry(c.UserContext(), r.OrganizationID)
	if errors.Is(err, store.ErrNotFound) {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("unknown organization %q", r.OrganizationID))
	}
	if err != nil {
		return storeError(err)
	}
	if r.OrganizationName == "" {
		r.OrganizationName = entry.OrganizationName
	}
	if r.LocationName == "" {
		r.LocationName = entry.LocationName
	}

	if err := s.store.SaveRecord(c.UserContext(), &r); err != nil {
		return storeError(err)
	}
	s.publish(r.OrganizationID, hub.EventRecordCreated, r)
	return c.Status(fiber.StatusCreated).JSON(r)
}

type statusRequest struct {
	Status store.Status `json:"status"`
}

func (s *Server) handleUpdateStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if req.Status == "" {
		return missingFields(c, []string{"status"})
	}
	r, err := s.store.UpdateRecordStatus(c.UserContext(), c.Params("id"), req.Status)
	if err != nil {
		return storeError(err)
	}
	s.publish(r.OrganizationID, hub.EventRecordStatus, r)
	return c.JSON(r)
}

// ----------------------------------------------------------------------------
// Websockets
// ----------------------------------------------------------------------------

func (s *Server) handleRelay(c *websocket.Conn) {
	if s.relay == nil {
		return
	}
	c.SetReadLimit(maxClientMessage)
	if err := s.relay.Serve(context.Background(), c); err != nil {
		s.logger.Info("relay session ended with fault", "error", err)
	}
}

func (s *Server) handleFeed(c *feedws.Conn) {
	if s.feed == nil {
		return
	}
	client := hub.NewClient(s.feed, c, c.Query("organizationId"))
	if client == nil {
		return
	}
	client.Run()
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func (s *Server) publish(topic, eventType string, data any) {
	if s.feed == nil {
		return
	}
	if err := s.feed.PublishTopic(topic, eventType, data); err != nil {
		s.logger.Warn("publish", "event", eventType, "error", err)
	}
}

func missingFields(c *fiber.Ctx, fields []string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  "missing required fields",
		"fields": fields,
	})
}

func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		return fiber.NewError(fiber.StatusConflict, "already exists")
	case errors.Is(err, store.ErrInvalidStatus):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}
