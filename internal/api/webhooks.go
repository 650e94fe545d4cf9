package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/coldsend-control/internal/domain"
	"github.com/ignite/coldsend-control/internal/retryq"
)

type eventPayload struct {
	Type       string    `json:"type"`
	Email      string    `json:"email"`
	SourceIP   string    `json:"source_ip"`
	VMTA       string    `json:"vmta"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

var eventTypes = map[string]domain.EventType{
	"sent":         domain.EventSent,
	"delivered":    domain.EventDelivered,
	"opened":       domain.EventOpened,
	"clicked":      domain.EventClicked,
	"bounced":      domain.EventBounced,
	"complained":   domain.EventComplained,
	"unsubscribed": domain.EventUnsubscribed,
	"deferred":     domain.EventDeferred,
}

func (p eventPayload) toEvent() (*domain.Event, error) {
	t, ok := eventTypes[strings.ToLower(p.Type)]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q: %w", p.Type, domain.ErrValidation)
	}
	return &domain.Event{
		Email:      p.Email,
		Type:       t,
		SourceIP:   p.SourceIP,
		VMTA:       p.VMTA,
		Detail:     p.Detail,
		OccurredAt: p.OccurredAt,
	}, nil
}

// HandleEvent ingests one delivery-feedback event. Bounces and complaints
// are additionally forwarded downstream with signed headers.
func (h *Handlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var p eventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ev, err := p.toEvent()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.tracker.Record(r.Context(), ev); err != nil {
		respondDomainError(w, err)
		return
	}

	if ev.Type == domain.EventBounced || ev.Type == domain.EventComplained {
		h.forwardDownstream(p)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"recorded": true, "type": ev.Type})
}

// pmtaRecord is one PowerMTA accounting record.
type pmtaRecord struct {
	Type       string    `json:"type"` // d=delivered, b=bounced, t=transient
	Recipient  string    `json:"rcpt"`
	OrigIP     string    `json:"orig"`
	VMTA       string    `json:"vmta"`
	DSNStatus  string    `json:"dsnStatus"`
	TimeLogged time.Time `json:"timeLogged"`
}

func (rec pmtaRecord) eventType() domain.EventType {
	switch strings.ToLower(rec.Type) {
	case "d", "delivered":
		return domain.EventDelivered
	case "b", "bounced":
		return domain.EventBounced
	case "t", "deferred":
		return domain.EventDeferred
	case "f", "complained":
		return domain.EventComplained
	}
	return ""
}

// HandlePowerMTA ingests a batch of PowerMTA accounting records.
func (h *Handlers) HandlePowerMTA(w http.ResponseWriter, r *http.Request) {
	var records []pmtaRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var recorded, skipped int
	for _, rec := range records {
		t := rec.eventType()
		if t == "" {
			skipped++
			continue
		}
		ev := &domain.Event{
			Email:      rec.Recipient,
			Type:       t,
			SourceIP:   rec.OrigIP,
			VMTA:       rec.VMTA,
			Detail:     rec.DSNStatus,
			OccurredAt: rec.TimeLogged,
		}
		if err := h.tracker.Record(r.Context(), ev); err != nil {
			log.Printf("[API] record accounting event for %s: %v", rec.VMTA, err)
			continue
		}
		recorded++
		if t == domain.EventBounced || t == domain.EventComplained {
			h.forwardDownstream(eventPayload{
				Type: string(t), Email: rec.Recipient, SourceIP: rec.OrigIP,
				VMTA: rec.VMTA, Detail: rec.DSNStatus, OccurredAt: rec.TimeLogged,
			})
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"recorded": recorded, "skipped": skipped})
}

// forwardDownstream posts the event to the configured downstream with signed
// headers; an unreachable downstream lands the payload in the retry queue.
func (h *Handlers) forwardDownstream(p eventPayload) {
	if h.downstreamURL == "" {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		log.Printf("[API] encode downstream payload: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, h.downstreamURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("[API] build downstream request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range retryq.SignedHeaders(h.downstreamSecret, body, time.Now()) {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		err = fmt.Errorf("downstream returned %d", resp.StatusCode)
	}

	log.Printf("[API] downstream forward failed, queueing: %v", err)
	if h.queue != nil {
		if qerr := h.queue.Enqueue(h.downstreamURL, strings.ToLower(p.Type), body); qerr != nil {
			log.Printf("[API] enqueue downstream payload: %v", qerr)
		}
	}
}
