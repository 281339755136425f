package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"deploy-go/internal/model"
)

// DefaultConfigValidityPeriod is how long an agent may keep a descriptor
// before polling again.
const DefaultConfigValidityPeriod = 600 * time.Second

// JobDescriptor is the answer to getConfig.
type JobDescriptor struct {
	Server               string             `json:"server"`
	Version              string             `json:"version"`
	ConfigValidityPeriod int                `json:"configValidityPeriod"`
	Schedule             []ScheduledPackage `json:"schedule"`
}

// ScheduledPackage is one package an agent has to deploy.
type ScheduledPackage struct {
	TaskID    string          `json:"taskId"`
	PackageID string          `json:"packageId"`
	Name      string          `json:"name"`
	Files     []ScheduledFile `json:"files"`
}

// ScheduledFile carries everything an agent needs to fetch and verify a file.
type ScheduledFile struct {
	Filename         string `json:"filename"`
	SHA512           string `json:"sha512"`
	Size             int64  `json:"size"`
	MimeType         string `json:"mimetype"`
	P2P              bool   `json:"p2p"`
	P2PRetentionDays int    `json:"p2pRetentionDays"`
	Uncompress       bool   `json:"uncompress"`
	URL              string `json:"url,omitempty"`
}

// EmptyResponse is sent for every request that is not answered otherwise.
// It encodes as {}.
type EmptyResponse struct{}

// Advertisement describes this server to agents and consoles.
type Advertisement struct {
	Version    string `json:"version"`
	Server     string `json:"server"`
	ConfigPage string `json:"configPage,omitempty"`
}

// NegotiatorOptions holds the static parts of every descriptor.
type NegotiatorOptions struct {
	ServerName     string
	Version        string
	ValidityPeriod time.Duration
	PublicURL      string // base for file download URLs; empty omits them
	ConfigPage     string
	CacheTTL       time.Duration
	// Stamp, when set, is folded into cache keys so changes committed by
	// another process retire cached descriptors.
	Stamp ChangeStamp
}

// Negotiator answers agent polls. getConfig never writes to the database.
type Negotiator struct {
	agents   AgentDirectory
	tasks    *TaskManager
	catalog  *Catalog
	statuses StatusStore
	cache    DescriptorCache
	opts     NegotiatorOptions
	flight   singleflight.Group
	logger   Logger
	clock    Clock
	metrics  Metrics
}

func NewNegotiator(agents AgentDirectory, tasks *TaskManager, catalog *Catalog, statuses StatusStore, cache DescriptorCache, opts NegotiatorOptions, logger Logger, clock Clock, metrics Metrics) *Negotiator {
	if cache == nil {
		cache = NopCache{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if opts.ValidityPeriod <= 0 {
		opts.ValidityPeriod = DefaultConfigValidityPeriod
	}
	if opts.ServerName == "" {
		opts.ServerName = "deploy"
	}
	return &Negotiator{
		agents:   agents,
		tasks:    tasks,
		catalog:  catalog,
		statuses: statuses,
		cache:    cache,
		opts:     opts,
		logger:   logger,
		clock:    clock,
		metrics:  metrics,
	}
}

// Advertisement returns the server identity.
func (n *Negotiator) Advertisement() Advertisement {
	return Advertisement{
		Version:    n.opts.Version,
		Server:     n.opts.ServerName,
		ConfigPage: n.opts.ConfigPage,
	}
}

// Handle answers one agent request. Every failure is logged and turned into
// EmptyResponse; the agent channel never sees an error.
func (n *Negotiator) Handle(ctx context.Context, req Request) any {
	start := n.clock.Now()

	switch r := req.(type) {
	case GetConfigRequest:
		desc, err := n.GetConfig(ctx, r.MachineID)
		if err != nil {
			n.observe("getConfig", err, start)
			return EmptyResponse{}
		}
		n.observe("getConfig", nil, start)
		return desc
	case SetStatusRequest:
		err := n.SetStatus(ctx, r)
		n.observe("setStatus", err, start)
		return EmptyResponse{}
	case UnknownRequest:
		n.logger.Debug("ignoring agent request", "action", r.Action, "reason", r.Reason)
		n.metrics.ObservePoll("unknown", "ignored", n.clock.Now().Sub(start))
		return EmptyResponse{}
	default:
		return EmptyResponse{}
	}
}

func (n *Negotiator) observe(action string, err error, start time.Time) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownAgent):
		outcome = "unknown_agent"
		n.logger.Info("poll from unknown agent", "action", action, "error", err)
	default:
		outcome = "error"
		n.logger.Error("agent request failed", "action", action, "error", err)
	}
	n.metrics.ObservePoll(action, outcome, n.clock.Now().Sub(start))
}

func cacheKey(stamp int64, machineID string) string {
	return "descriptor:" + strconv.FormatInt(stamp, 10) + ":" + machineID
}

// GetConfig builds the job descriptor for the agent with machineID.
// Returns ErrUnknownAgent when no agent matches.
func (n *Negotiator) GetConfig(ctx context.Context, machineID string) (*JobDescriptor, error) {
	cache := n.cache
	var stamp int64
	if n.opts.Stamp != nil {
		s, err := n.opts.Stamp.ChangeStamp(ctx)
		if err != nil {
			n.logger.Warn("reading change stamp, bypassing cache", "error", err)
			cache = NopCache{}
		}
		stamp = s
	}
	key := cacheKey(stamp, machineID)
	if data, ok, err := cache.Get(ctx, key); err != nil {
		n.logger.Warn("descriptor cache read failed", "machine_id", machineID, "error", err)
	} else if ok {
		var desc JobDescriptor
		if err := json.Unmarshal(data, &desc); err == nil {
			return &desc, nil
		}
		n.logger.Warn("discarding corrupt cached descriptor", "machine_id", machineID)
	}

	// Concurrent polls from the same machine share one build.
	// The build is detached from the first caller's cancellation so an
	// agent hanging up does not fail the polls that joined it.
	v, err, _ := n.flight.Do(key, func() (any, error) {
		return n.buildDescriptor(context.WithoutCancel(ctx), machineID)
	})
	if err != nil {
		return nil, err
	}
	desc := v.(*JobDescriptor)

	if data, err := json.Marshal(desc); err == nil {
		if err := cache.Set(ctx, key, data, n.opts.CacheTTL); err != nil {
			n.logger.Warn("descriptor cache write failed", "machine_id", machineID, "error", err)
		}
	}
	return desc, nil
}

func (n *Negotiator) buildDescriptor(ctx context.Context, machineID string) (*JobDescriptor, error) {
	agent, err := n.agents.FindAgentByMachineID(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("finding agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("machine %q: %w", machineID, ErrUnknownAgent)
	}

	tasks, err := n.tasks.ResolveTasksForTarget(ctx, agent)
	if err != nil {
		return nil, err
	}

	desc := &JobDescriptor{
		Server:               n.opts.ServerName,
		Version:              n.opts.Version,
		ConfigValidityPeriod: int(n.opts.ValidityPeriod / time.Second),
		Schedule:             []ScheduledPackage{},
	}

	// The first task that brings a package wins; later duplicates are skipped.
	seen := make(map[string]bool)
	for _, t := range tasks {
		pkgs, err := n.tasks.store.ListTaskPackages(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("listing packages of task %s: %w", t.ID, err)
		}
		for _, p := range pkgs {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true

			sp, err := n.schedulePackage(ctx, t, p)
			if err != nil {
				return nil, err
			}
			desc.Schedule = append(desc.Schedule, *sp)
		}
	}

	n.logger.Debug("descriptor built", "agent", agent.ID, "tasks", len(tasks), "packages", len(desc.Schedule))
	return desc, nil
}

func (n *Negotiator) schedulePackage(ctx context.Context, t *model.Task, p *model.Package) (*ScheduledPackage, error) {
	files, err := n.catalog.store.ListPackageFiles(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("listing files of package %s: %w", p.ID, err)
	}
	sp := &ScheduledPackage{
		TaskID:    t.ID,
		PackageID: p.ID,
		Name:      p.Name,
		Files:     make([]ScheduledFile, 0, len(files)),
	}
	for _, f := range files {
		sp.Files = append(sp.Files, ScheduledFile{
			Filename:         f.Filename,
			SHA512:           f.Hash,
			Size:             f.Size,
			MimeType:         f.MimeType,
			P2P:              f.P2P,
			P2PRetentionDays: f.P2PRetentionDays,
			Uncompress:       f.Uncompress,
			URL:              n.fileURL(f.Hash),
		})
	}
	return sp, nil
}

func (n *Negotiator) fileURL(hash string) string {
	if n.opts.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(n.opts.PublicURL, "/") + "/deploy/files/" + hash
}

// SetStatus records the status an agent reported for a task package.
func (n *Negotiator) SetStatus(ctx context.Context, req SetStatusRequest) error {
	if !validStatuses[req.Status] {
		return fmt.Errorf("status %q: %w", req.Status, ErrInvalidInput)
	}
	agent, err := n.agents.FindAgentByMachineID(ctx, req.MachineID)
	if err != nil {
		return fmt.Errorf("finding agent: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("machine %q: %w", req.MachineID, ErrUnknownAgent)
	}

	s := &model.JobStatus{
		AgentID:    agent.ID,
		TaskID:     req.TaskID,
		PackageID:  req.PackageID,
		Status:     req.Status,
		Message:    req.Message,
		ReportedAt: n.clock.Now(),
	}
	if err := n.statuses.RecordJobStatus(ctx, s); err != nil {
		return fmt.Errorf("recording status: %w", err)
	}
	n.logger.Info("job status reported", "agent", agent.ID, "task", req.TaskID, "package", req.PackageID, "status", req.Status)
	return nil
}

// MachineKnown reports whether an agent with machineID exists.
func (n *Negotiator) MachineKnown(ctx context.Context, machineID string) bool {
	if machineID == "" {
		return false
	}
	agent, err := n.agents.FindAgentByMachineID(ctx, machineID)
	if err != nil {
		n.logger.Warn("agent lookup failed", "machine_id", machineID, "error", err)
		return false
	}
	return agent != nil
}
