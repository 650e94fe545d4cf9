// Package api is the HTTP surface of the control plane: authenticated
// webhooks feeding the event tracker, and operator endpoints for IPs, nodes,
// warmup plans and rotation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/coldsend-control/internal/domain"
	"github.com/ignite/coldsend-control/internal/provision"
)

// IPStore is the slice of the IP repository the handlers need.
type IPStore interface {
	GetByID(ctx context.Context, id int64) (*domain.IP, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]*domain.IP, error)
	ListByStatus(ctx context.Context, statuses ...domain.IPStatus) ([]*domain.IP, error)
	UpdateWeight(ctx context.Context, id int64, weight int) error
}

// PlanStore reads warmup plans and their stats.
type PlanStore interface {
	GetByIP(ctx context.Context, ipID int64) (*domain.WarmupPlan, error)
	ListStats(ctx context.Context, planID int64) ([]*domain.WarmupDailyStat, error)
}

// TenantStore resolves tenant slugs for scoping.
type TenantStore interface {
	GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
}

// Lifecycle drives manual state transitions and rotation.
type Lifecycle interface {
	Transition(ctx context.Context, ip *domain.IP, to domain.IPStatus) error
	MonthlyRotation(ctx context.Context) ([]string, error)
	ReleaseQuarantine(ctx context.Context) (int, error)
}

// WarmupControl exposes manual pause/resume.
type WarmupControl interface {
	Pause(ctx context.Context, plan *domain.WarmupPlan, d time.Duration) error
	Resume(ctx context.Context, plan *domain.WarmupPlan) error
}

// Provisioner creates and deletes IPs end to end.
type Provisioner interface {
	Create(ctx context.Context, req provision.Request) (*domain.IP, error)
	Delete(ctx context.Context, ipID int64, deprovision bool) error
}

// Tracker records inbound delivery events.
type Tracker interface {
	Record(ctx context.Context, ev *domain.Event) error
}

// NodeFleet answers the node health endpoint.
type NodeFleet interface {
	HealthCheckAll(ctx context.Context) []domain.NodeHealth
}

// RetryQueue is the fallback for failed downstream forwards.
type RetryQueue interface {
	Enqueue(url, action string, payload []byte) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	ips       IPStore
	plans     PlanStore
	tenants   TenantStore
	lifecycle Lifecycle
	warmup    WarmupControl
	prov      Provisioner
	tracker   Tracker
	nodes     NodeFleet

	downstreamURL    string
	downstreamSecret string
	queue            RetryQueue
	client           *http.Client
}

// NewHandlers creates the handler set.
func NewHandlers(ips IPStore, plans PlanStore, tenants TenantStore, lifecycle Lifecycle,
	warmup WarmupControl, prov Provisioner, tracker Tracker, nodes NodeFleet) *Handlers {
	return &Handlers{
		ips:       ips,
		plans:     plans,
		tenants:   tenants,
		lifecycle: lifecycle,
		warmup:    warmup,
		prov:      prov,
		tracker:   tracker,
		nodes:     nodes,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SetDownstream configures the signed bounce forward target.
func (h *Handlers) SetDownstream(url, secret string, queue RetryQueue) {
	h.downstreamURL = url
	h.downstreamSecret = secret
	h.queue = queue
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps the error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPermission):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, err.Error())
}

// HealthCheck answers liveness probes.
func (h *Handlers) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func ipResponse(ip *domain.IP) map[string]interface{} {
	out := map[string]interface{}{
		"id":                 ip.ID,
		"tenant_id":          ip.TenantID,
		"address":            ip.Address,
		"hostname":           ip.Hostname,
		"purpose":            ip.Purpose,
		"status":             ip.Status,
		"weight":             ip.Weight,
		"vmta_name":          ip.VMTAName,
		"pool_name":          ip.PoolName,
		"sender_email":       ip.SenderEmail,
		"node_id":            ip.NodeID,
		"mailwizz_server_id": ip.MailwizzServerID,
		"blacklisted_on":     ip.BlacklistedOn,
		"status_changed_at":  ip.StatusChangedAt,
	}
	if ip.QuarantineUntil != nil {
		out["quarantine_until"] = ip.QuarantineUntil
	}
	return out
}

// ListIPs returns the fleet, scoped by ?tenant= slug or filtered by ?status=.
func (h *Handlers) ListIPs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		list []*domain.IP
		err  error
	)
	switch {
	case r.URL.Query().Get("tenant") != "":
		var tenant *domain.Tenant
		tenant, err = h.tenants.GetBySlug(ctx, r.URL.Query().Get("tenant"))
		if err == nil {
			list, err = h.ips.ListByTenant(ctx, tenant.ID)
		}
	case r.URL.Query().Get("status") != "":
		list, err = h.ips.ListByStatus(ctx, domain.IPStatus(r.URL.Query().Get("status")))
	default:
		list, err = h.ips.ListByStatus(ctx,
			domain.StatusActive, domain.StatusWarming, domain.StatusStandby,
			domain.StatusRetiring, domain.StatusResting, domain.StatusBlacklisted,
			domain.StatusQuarantined)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(list))
	for _, ip := range list {
		out = append(out, ipResponse(ip))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ips": out, "count": len(out)})
}

func (h *Handlers) ipFromPath(r *http.Request) (*domain.IP, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return nil, domain.ErrValidation
	}
	return h.ips.GetByID(r.Context(), id)
}

// GetIP returns one IP.
func (h *Handlers) GetIP(w http.ResponseWriter, r *http.Request) {
	ip, err := h.ipFromPath(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ipResponse(ip))
}

type createIPRequest struct {
	TenantSlug  string `json:"tenant"`
	Address     string `json:"address"`
	Hostname    string `json:"hostname"`
	Purpose     string `json:"purpose"`
	SenderEmail string `json:"sender_email"`
	FromName    string `json:"from_name"`
	VMTAName    string `json:"vmta_name"`
	PoolName    string `json:"pool_name"`
	Weight      int    `json:"weight"`
	NodeID      string `json:"node_id"`
	DKIMKeyPath string `json:"dkim_key_path"`
	CustomerID  int64  `json:"customer_id"`
}

// CreateIP provisions a new sending IP.
func (h *Handlers) CreateIP(w http.ResponseWriter, r *http.Request) {
	var req createIPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenant, err := h.tenants.GetBySlug(r.Context(), req.TenantSlug)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	ip, err := h.prov.Create(r.Context(), provision.Request{
		TenantID:    tenant.ID,
		Address:     req.Address,
		Hostname:    req.Hostname,
		Purpose:     domain.IPPurpose(req.Purpose),
		SenderEmail: req.SenderEmail,
		FromName:    req.FromName,
		VMTAName:    req.VMTAName,
		PoolName:    req.PoolName,
		Weight:      req.Weight,
		NodeID:      req.NodeID,
		DKIMKeyPath: req.DKIMKeyPath,
		CustomerID:  req.CustomerID,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ipResponse(ip))
}

type patchIPRequest struct {
	Weight *int    `json:"weight"`
	Status *string `json:"status"`
}

// PatchIP updates weight and/or requests a state transition.
func (h *Handlers) PatchIP(w http.ResponseWriter, r *http.Request) {
	ip, err := h.ipFromPath(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	var req patchIPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Weight != nil {
		if err := h.ips.UpdateWeight(r.Context(), ip.ID, *req.Weight); err != nil {
			respondDomainError(w, err)
			return
		}
	}
	if req.Status != nil {
		if err := h.lifecycle.Transition(r.Context(), ip, domain.IPStatus(*req.Status)); err != nil {
			respondDomainError(w, err)
			return
		}
	}

	updated, err := h.ips.GetByID(r.Context(), ip.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ipResponse(updated))
}

// DeleteIP removes an IP; ?deprovision=true tears down node and MailWizz
// state first.
func (h *Handlers) DeleteIP(w http.ResponseWriter, r *http.Request) {
	ip, err := h.ipFromPath(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	deprovision := r.URL.Query().Get("deprovision") == "true"
	if err := h.prov.Delete(r.Context(), ip.ID, deprovision); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": ip.Address, "deprovisioned": deprovision})
}

// NodesHealth fans out to every node.
func (h *Handlers) NodesHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodes": h.nodes.HealthCheckAll(r.Context())})
}

// WarmupStatus returns the plan and its daily stats for one IP.
func (h *Handlers) WarmupStatus(w http.ResponseWriter, r *http.Request) {
	ip, err := h.ipFromPath(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	plan, err := h.plans.GetByIP(r.Context(), ip.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	stats, err := h.plans.ListStats(r.Context(), plan.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ip":    ip.Address,
		"plan":  plan,
		"stats": stats,
	})
}

type pauseRequest struct {
	Hours int `json:"hours"`
}

// PauseWarmup pauses an IP's plan for the requested number of hours.
func (h *Handlers) PauseWarmup(w http.ResponseWriter, r *http.Request) {
	ip, err := h.ipFromPath(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hours <= 0 {
		respondError(w, http.StatusBadRequest, "hours must be a positive integer")
		return
	}
	plan, err := h.plans.GetByIP(r.Context(), ip.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.warmup.Pause(r.Context(), plan, time.Duration(req.Hours)*time.Hour); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"paused": ip.Address, "hours": req.Hours})
}

// ResumeWarmup clears a pause immediately.
func (h *Handlers) ResumeWarmup(w http.ResponseWriter, r *http.Request) {
	ip, err := h.ipFromPath(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	plan, err := h.plans.GetByIP(r.Context(), ip.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.warmup.Resume(r.Context(), plan); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"resumed": ip.Address})
}

// TriggerRotation runs the monthly rotation now.
func (h *Handlers) TriggerRotation(w http.ResponseWriter, r *http.Request) {
	rotated, err := h.lifecycle.MonthlyRotation(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rotated": rotated, "count": len(rotated)})
}

// ReleaseQuarantine promotes every rested IP whose quarantine has lapsed.
func (h *Handlers) ReleaseQuarantine(w http.ResponseWriter, r *http.Request) {
	n, err := h.lifecycle.ReleaseQuarantine(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"released": n})
}
