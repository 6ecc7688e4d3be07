package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/memyselfmike/agiled/pkg/eventbus"
	"github.com/memyselfmike/agiled/pkg/events"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/valyala/fasthttp"
)

// EventStream is the subscription surface the SSE endpoints need; the event
// bus satisfies it.
type EventStream interface {
	Subscribe(ctx context.Context, filter eventbus.Filter, fromSequence uint64) (*eventbus.Subscription, error)
}

// StreamEvents serves the activity stream over SSE. Query parameters:
// from_sequence resumes replay from a retained sequence number; types and
// prefixes filter the delivered event types.
func (h *APIHandlers) StreamEvents(c fiber.Ctx) error {
	fromSequence, err := parseFromSequence(c)
	if err != nil {
		return badRequest(c, "Invalid from_sequence: "+err.Error())
	}

	filter := eventbus.Filter{}

	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, events.EventType(strings.TrimSpace(t)))
		}
	}

	if raw := c.Query("prefixes"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			filter.Prefixes = append(filter.Prefixes, strings.TrimSpace(p))
		}
	}

	// The subscription must outlive this handler: fasthttp runs the stream
	// writer after the handler returns.
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := h.stream.Subscribe(ctx, filter, fromSequence)
	if err != nil {
		cancel()

		return internalError(c, err)
	}

	setSSEHeaders(c)

	c.RequestCtx().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer sub.Close()

		for envelope := range sub.Events() {
			if err := writeSSE(w, string(envelope.Type), envelope); err != nil {
				return
			}
		}
	}))

	return nil
}

// streamTask executes the request in streaming mode and relays the progress
// feed over SSE.
func (h *APIHandlers) streamTask(c fiber.Ctx, rc models.RequestContext) error {
	ctx, cancel := context.WithCancel(context.Background())

	feed, err := h.orchestrator.ExecuteStream(ctx, rc)
	if err != nil {
		cancel()

		return handleDomainError(c, err)
	}

	setSSEHeaders(c)

	c.RequestCtx().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		for progress := range feed {
			if err := writeSSE(w, string(progress.Kind), progress); err != nil {
				return
			}
		}
	}))

	return nil
}

func setSSEHeaders(c fiber.Ctx) {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
}

func writeSSE(w *bufio.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}

	return w.Flush()
}
