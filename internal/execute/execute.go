// Package execute implements the Execute service (spec.md §4.8): it claims
// Jobs off the execute channel, compiles an Execute block's body into
// instantiated adapter Runtimes in dependency order, drives every leaf
// Runtime's stream to completion, and appends the Value/Status/Heartbeat/
// Error responses that result to the request's persisted state. It also
// runs discovery-mode traversal when a Job says so, producing one advice
// tree per node instead of running anything.
package execute

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/adapter"
	"github.com/dfm-io/dfm/internal/bus"
	"github.com/dfm-io/dfm/internal/cache"
	"github.com/dfm-io/dfm/internal/dfmerr"
	"github.com/dfm-io/dfm/internal/discovery"
	"github.com/dfm-io/dfm/internal/ir"
	"github.com/dfm-io/dfm/internal/job"
	"github.com/dfm-io/dfm/internal/metrics"
	"github.com/dfm-io/dfm/internal/response"
	"github.com/dfm-io/dfm/internal/site"
)

// Service drives the execute channel's dispatch loop against one Site's
// configured providers.
type Service struct {
	bus        *bus.Bus
	site       *site.Site
	cacheStore *cache.Store
	log        *zap.Logger
	metrics    *metrics.Registry
	consumerID string

	// thisSiteFallback is used when the store has no authoritative
	// this_site value published yet (spec.md §4.8).
	thisSiteFallback string

	heartbeatInterval time.Duration

	// ConsumeBlock bounds how long one Consume call waits before looping
	// back to check ctx — exported so tests can shrink it.
	ConsumeBlock time.Duration
}

// New constructs a Service and ensures the execute channel's consumer group
// exists before Run is called.
func New(ctx context.Context, b *bus.Bus, s *site.Site, cacheStore *cache.Store, log *zap.Logger, m *metrics.Registry, consumerID, thisSiteFallback string) (*Service, error) {
	if err := b.EnsureGroup(ctx, "ANY", "EXECUTE", "req"); err != nil {
		return nil, err
	}
	return &Service{
		bus:               b,
		site:              s,
		cacheStore:        cacheStore,
		log:               log.Named("execute"),
		metrics:           m,
		consumerID:        consumerID,
		thisSiteFallback:  thisSiteFallback,
		heartbeatInterval: s.HeartbeatInterval(),
		ConsumeBlock:      2 * time.Second,
	}, nil
}

// Run drains the execute channel until ctx is cancelled. A panic or error
// inside one job's handling is logged and the message is still acknowledged
// — spec.md §4.8's "exceptions inside the dispatch loop MUST NOT crash the
// worker" — so one malformed or misbehaving job never wedges the consumer
// group for every other request.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := s.bus.Consume(ctx, "ANY", "EXECUTE", "req", s.consumerID, s.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("consume failed", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			var j job.Job
			if err := json.Unmarshal(msg.Payload, &j); err != nil {
				s.log.Error("decode job failed", zap.Error(err))
			} else {
				s.handleJobSafely(ctx, j)
			}
			if err := s.bus.Ack(ctx, "ANY", "EXECUTE", "req", msg.ID); err != nil {
				s.log.Error("ack failed", zap.Error(err), zap.String("msg_id", msg.ID))
			}
		}
	}
}

func (s *Service) handleJobSafely(ctx context.Context, j job.Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in job handler", zap.Any("panic", r), zap.String("request_id", j.RequestID))
			_ = s.appendResponse(ctx, j.RequestID, response.FromError("", dfmerr.Server(nil, "execute: panic: %v", r), ""))
		}
	}()
	s.handleJob(ctx, j)
}

// resolveThisSite consults the store's authoritative this_site value first
// (spec.md §4.8), falling back to this worker's own configuration.
func (s *Service) resolveThisSite(ctx context.Context) string {
	if v, ok, err := s.bus.ThisSite(ctx); err == nil && ok {
		return v
	}
	return s.thisSiteFallback
}

// handleJob implements the whole of spec.md §4.8 for one Job: relay if it
// targets a different site, run discovery, or compile and drive the real
// pipeline. It never returns an error — every failure path appends an Error
// response to the request state instead, since by this point a client is
// polling the store for exactly that.
func (s *Service) handleJob(ctx context.Context, j job.Job) {
	thisSite := s.resolveThisSite(ctx)

	// Open question decision (SPEC_FULL.md §13): a whole job whose Execute
	// targets a different site is always relayed via the uplink Package
	// channel, in full, rather than executed or partially executed here.
	if j.Execute.Site != nil && *j.Execute.Site != thisSite {
		pkg := job.Package{SourceSite: thisSite, TargetSite: *j.Execute.Site, Job: j}
		if err := s.bus.Publish(ctx, "ANY", "UPLINK", "req", pkg); err != nil {
			s.log.Error("relay to uplink failed", zap.Error(err), zap.String("request_id", j.RequestID))
			_ = s.appendResponse(ctx, j.RequestID, response.FromError("", err, ""))
		}
		return
	}

	reqCtx := site.RequestContext{ThisSite: thisSite, HomeSite: j.HomeSite, RequestID: j.RequestID}

	if j.IsDiscovery {
		s.runDiscoveryJob(ctx, reqCtx, j, thisSite)
		return
	}

	s.runPipelineJob(ctx, reqCtx, j, thisSite)
}

func (s *Service) runDiscoveryJob(ctx context.Context, reqCtx site.RequestContext, j job.Job, thisSite string) {
	resp, err := s.runDiscovery(reqCtx, j.Execute, thisSite)
	if err != nil {
		_ = s.appendResponse(ctx, j.RequestID, response.FromError("", err, ""))
		return
	}
	if err := s.appendResponse(ctx, j.RequestID, response.NewValue("", resp)); err != nil {
		s.log.Error("append discovery response failed", zap.Error(err), zap.String("request_id", j.RequestID))
	}
}

func (s *Service) runPipelineJob(ctx context.Context, reqCtx site.RequestContext, j job.Job, thisSite string) {
	progress := newProgressTracker()
	c := newCompiled()
	if err := s.compileBlock(ctx, reqCtx, j.Execute, c, j.RequestID, thisSite, progress); err != nil {
		_ = s.appendResponse(ctx, j.RequestID, response.FromError("", err, ""))
		return
	}

	if len(c.leafNodeIDs) == 0 {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		s.heartbeatLoop(runCtx, stop, progress, j.RequestID, thisSite)
	}()

	var wg sync.WaitGroup
	for i, rt := range c.leaves {
		nodeID := c.leafNodeIDs[i]
		apiClass := c.leafAPIClasses[i]
		wg.Add(1)
		go func(rt *adapter.Runtime, nodeID ir.NodeID, apiClass string) {
			defer wg.Done()
			s.drainLeaf(runCtx, rt, nodeID, apiClass, j.RequestID, progress)
		}(rt, nodeID, apiClass)
	}
	wg.Wait()
	close(stop)
	hbWG.Wait()
}

// drainLeaf pumps one leaf Runtime's stream to exhaustion. Non-leaf nodes
// are pulled transitively by whatever leaf (directly or indirectly)
// references them — spec.md §4.3's linear-unfold model means a node with no
// downstream consumer in its own block is never pulled unless something
// here drives it directly.
func (s *Service) drainLeaf(ctx context.Context, rt *adapter.Runtime, nodeID ir.NodeID, apiClass, requestID string, progress *progressTracker) {
	cur := rt.GetOrCreateStream(ctx).NewCursor()
	for {
		_, ok, err := cur.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			de := dfmerr.FromError(err)
			s.metrics.AdapterErrors.WithLabelValues(apiClass, string(de.Kind)).Inc()
			if appendErr := s.appendResponse(ctx, requestID, response.FromError(string(nodeID), err, "")); appendErr != nil {
				s.log.Error("append error response failed", zap.Error(appendErr))
			}
			return
		}
		if !ok {
			return
		}
		progress.mark()
	}
}

func (s *Service) heartbeatLoop(ctx context.Context, stop <-chan struct{}, progress *progressTracker, requestID, site string) {
	if s.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if progress.since() >= s.heartbeatInterval {
				if err := s.appendResponse(ctx, requestID, response.NewHeartbeat("", site)); err != nil {
					s.log.Error("append heartbeat failed", zap.Error(err))
				}
			}
		}
	}
}

// appendResponse records r in the request's persisted state through the
// keyed store's atomic update path (spec.md §5: "appends are atomic per the
// store's contract").
func (s *Service) appendResponse(ctx context.Context, requestID string, r response.Response) error {
	r.Timestamp = time.Now()
	err := s.bus.UpdateDocument(ctx, bus.RequestKey(requestID), func() any { return &job.RequestState{} }, func(doc any) error {
		rs, ok := doc.(*job.RequestState)
		if !ok {
			return dfmerr.Server(nil, "execute: unexpected document type for request state")
		}
		rs.Append(r)
		return nil
	})
	if err == nil {
		s.metrics.ResponsesAppended.WithLabelValues(r.Body.APIClass()).Inc()
	}
	return err
}

// progressTracker records the last time any value advanced through the
// graph, so the heartbeat loop can tell "still working, nothing to show
// yet" apart from "stalled."
type progressTracker struct {
	mu   sync.Mutex
	last time.Time
}

func newProgressTracker() *progressTracker {
	return &progressTracker{last: time.Now()}
}

func (p *progressTracker) mark() {
	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()
}

func (p *progressTracker) since() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.last)
}

// compiled accumulates the per-job compilation state threaded through
// compileBlock's recursion: every instantiated Runtime and fingerprint
// keyed by node id, plus the leaves discovered along the way (nodes nothing
// in their own block references, the only ones this service pulls
// directly).
type compiled struct {
	instantiated   map[ir.NodeID]*adapter.Runtime
	fingerprints   map[ir.NodeID]cache.Fingerprint
	leaves         []*adapter.Runtime
	leafNodeIDs    []ir.NodeID
	leafAPIClasses []string
}

func newCompiled() *compiled {
	return &compiled{
		instantiated: make(map[ir.NodeID]*adapter.Runtime),
		fingerprints: make(map[ir.NodeID]cache.Fingerprint),
	}
}

// compileBlock instantiates every FunctionCall in exec's body, in
// dependency order, and recurses into nested Executes — locally if they
// target this site (or name none), relayed whole via the uplink channel
// otherwise (spec.md §4.8).
func (s *Service) compileBlock(ctx context.Context, reqCtx site.RequestContext, exec *ir.Execute, c *compiled, requestID, thisSite string, progress *progressTracker) error {
	order, err := exec.DependencyOrder()
	if err != nil {
		return err
	}

	referenced := referencedNodes(order)

	for _, n := range order {
		switch v := n.(type) {
		case *ir.FunctionCall:
			if err := s.compileFunctionCall(ctx, reqCtx, v, c, requestID, progress); err != nil {
				return err
			}
			if !referenced[v.NodeID] {
				c.leaves = append(c.leaves, c.instantiated[v.NodeID])
				c.leafNodeIDs = append(c.leafNodeIDs, v.NodeID)
				c.leafAPIClasses = append(c.leafAPIClasses, v.APIClass)
			}
		case *ir.Execute:
			if v.Site != nil && *v.Site != thisSite {
				pkg := job.Package{
					SourceSite: thisSite,
					TargetSite: *v.Site,
					Job:        job.Job{RequestID: requestID, HomeSite: thisSite, Execute: v},
				}
				if err := s.bus.Publish(ctx, "ANY", "UPLINK", "req", pkg); err != nil {
					return err
				}
				continue
			}
			if err := s.compileBlock(ctx, reqCtx, v, c, requestID, thisSite, progress); err != nil {
				return err
			}
		}
	}
	return nil
}

// referencedNodes returns the set of node ids any FunctionCall in order
// points at — used to tell which nodes in this block are leaves (nothing
// local consumes them, so the service must pull them directly).
func referencedNodes(order []ir.Node) map[ir.NodeID]bool {
	referenced := make(map[ir.NodeID]bool)
	for _, n := range order {
		if fc, ok := n.(*ir.FunctionCall); ok {
			for _, ref := range fc.References() {
				referenced[ref] = true
			}
		}
	}
	return referenced
}

// boundFor builds the bound-upstream-Runtime map an AdapterFactory expects:
// for each param whose value is a reference this call declared, the already
// -instantiated Runtime for that node, if one exists in scope.
func boundFor(call *ir.FunctionCall, instantiated map[ir.NodeID]*adapter.Runtime) map[string]*adapter.Runtime {
	refSet := make(map[ir.NodeID]bool, len(call.References()))
	for _, r := range call.References() {
		refSet[r] = true
	}
	bound := make(map[string]*adapter.Runtime)
	for k, v := range call.Params {
		str, ok := v.(string)
		if !ok || !refSet[ir.NodeID(str)] {
			continue
		}
		if rt, exists := instantiated[ir.NodeID(str)]; exists {
			bound[k] = rt
		}
	}
	return bound
}

// compileFunctionCall instantiates one node's Adapter, computes its cache
// fingerprint from its own params plus its bound inputs' fingerprints
// (spec.md §4.4), and wires a Runtime around it with cache/force-compute/
// output options as the call demands.
func (s *Service) compileFunctionCall(ctx context.Context, reqCtx site.RequestContext, call *ir.FunctionCall, c *compiled, requestID string, progress *progressTracker) error {
	bound := boundFor(call, c.instantiated)

	a, err := s.site.InstantiateAdapter(reqCtx, call, bound)
	if err != nil {
		return err
	}

	inputFPs := make(map[string]cache.Fingerprint)
	refSet := make(map[ir.NodeID]bool, len(call.References()))
	for _, r := range call.References() {
		refSet[r] = true
	}
	for k, v := range call.Params {
		str, ok := v.(string)
		if !ok || !refSet[ir.NodeID(str)] {
			continue
		}
		if fp, exists := c.fingerprints[ir.NodeID(str)]; exists {
			inputFPs[k] = fp
		}
	}

	fp, err := cache.ComputeFingerprint(a.CollectLocalHashDict(), inputFPs)
	if err != nil {
		return err
	}
	c.fingerprints[call.NodeID] = fp

	var opts []adapter.Option
	loader, hasLoader := a.(cache.Loader)
	writer, hasWriter := a.(cache.Writer)
	if s.cacheStore != nil && hasLoader && hasWriter {
		apiClass := call.APIClass
		opts = append(opts,
			adapter.WithCache(s.cacheStore, fp, loader, writer),
			adapter.WithCacheObserver(func(hit bool) {
				if hit {
					s.metrics.CacheHitsTotal.WithLabelValues(apiClass).Inc()
				} else {
					s.metrics.CacheMissesTotal.WithLabelValues(apiClass).Inc()
				}
			}),
		)
	}
	if call.ForceCompute {
		opts = append(opts, adapter.WithForceCompute())
	}
	if call.IsOutput {
		nodeID := call.NodeID
		apiClass := call.APIClass
		opts = append(opts, adapter.WithOutput(func(v any) {
			if err := s.appendResponse(ctx, requestID, response.NewValue(string(nodeID), v)); err != nil {
				s.log.Error("append value response failed", zap.Error(err), zap.String("node_id", string(nodeID)))
			}
			s.metrics.StreamValuesTotal.WithLabelValues(apiClass).Inc()
			progress.mark()
		}))
	}

	c.instantiated[call.NodeID] = adapter.NewRuntime(a, opts...)
	return nil
}

// --- discovery mode ---

// discoveryStub is bound in place of a real Runtime for nodes downstream of
// one being discovered, so a factory that only inspects bound's presence
// (not its produced values) can still be instantiated during discovery.
// Nothing ever pulls its stream.
type discoveryStub struct {
	adapter.Base
}

func (d *discoveryStub) StreamBody(ctx context.Context, emit func(v any) bool) error { return nil }

func (s *Service) runDiscovery(reqCtx site.RequestContext, exec *ir.Execute, thisSite string) (discovery.Response, error) {
	resp := discovery.Response{}
	instantiated := make(map[ir.NodeID]*adapter.Runtime)
	if err := s.discoverBlock(reqCtx, exec, instantiated, resp, thisSite); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) discoverBlock(reqCtx site.RequestContext, exec *ir.Execute, instantiated map[ir.NodeID]*adapter.Runtime, resp discovery.Response, thisSite string) error {
	order, err := exec.DependencyOrder()
	if err != nil {
		return err
	}

	for _, n := range order {
		switch v := n.(type) {
		case *ir.FunctionCall:
			tree, err := s.discoverNode(reqCtx, v, instantiated)
			if err != nil {
				return err
			}
			resp[v.NodeID] = tree
			instantiated[v.NodeID] = adapter.NewRuntime(&discoveryStub{Base: adapter.Base{ID: v.NodeID}})
		case *ir.Execute:
			// Discovery does not cross a site boundary: a nested Execute
			// targeting elsewhere has nothing local to advise.
			if v.Site != nil && *v.Site != thisSite {
				continue
			}
			if err := s.discoverBlock(reqCtx, v, instantiated, resp, thisSite); err != nil {
				return err
			}
		}
	}
	return nil
}

// discoverNode resolves call's provider (branching over every candidate
// when unset, per spec.md §4.2) and, once resolved, instantiates the
// adapter and walks its field advisors via discovery.Build. Any failure
// along the way becomes an ErrorAdvice edge for this node rather than
// failing the whole discovery response — spec.md §4.5: a node whose advice
// tree has no viable path still returns.
func (s *Service) discoverNode(reqCtx site.RequestContext, call *ir.FunctionCall, instantiated map[ir.NodeID]*adapter.Runtime) (discovery.Tree, error) {
	effective := call
	if call.Provider == "" {
		tags := s.site.ProvidersDeclaring(call.APIClass)
		switch len(tags) {
		case 0:
			return &discovery.FieldNode{
				Field: "provider",
				Edges: []discovery.Edge{{IsError: true, Err: "no configured provider declares " + call.APIClass}},
			}, nil
		case 1:
			effective = call.WithProvider(tags[0])
		default:
			edges := make([]discovery.Edge, len(tags))
			for i, tag := range tags {
				edges[i] = discovery.Edge{Value: tag, HasValue: true}
			}
			return &discovery.FieldNode{Field: "provider", Edges: edges}, nil
		}
	}

	bound := boundFor(effective, instantiated)
	a, err := s.site.InstantiateAdapter(reqCtx, effective, bound)
	if err != nil {
		return &discovery.FieldNode{
			Field: "provider",
			Edges: []discovery.Edge{{IsError: true, Err: dfmerr.FromError(err).Error()}},
		}, nil
	}

	adv, ok := a.(discovery.Advisable)
	if !ok {
		return nil, nil
	}
	return discovery.Build(adv.Advisors(), effective.Params)
}
