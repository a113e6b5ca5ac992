// Package tasks runs the controller's periodic maintenance: node pokes,
// cache refresh against current flow budgets, and the hourly node-map
// sweep.
package tasks

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dtufleet/uartcenter/internal/cache"
	"github.com/dtufleet/uartcenter/internal/model"
	"github.com/dtufleet/uartcenter/internal/rpc"
	"github.com/dtufleet/uartcenter/internal/scheduler"
)

const (
	nodeInfoInterval = time.Minute
	refreshInterval  = 10 * time.Minute
	sweepInterval    = time.Hour
)

// Store is the persistence slice the maintenance tasks need.
type Store interface {
	ActiveNodes(ctx context.Context) ([]model.NodeClient, error)
	TerminalsByNode(ctx context.Context, node string) ([]model.Terminal, error)
}

// Runner owns the three maintenance tickers.
type Runner struct {
	log      hclog.Logger
	store    Store
	cache    *cache.Cache
	sched    *scheduler.Scheduler
	server   *rpc.Server
	excluded map[string]struct{}
}

// New creates a Runner. Nodes named in exclude are skipped by the cache
// refresh (typically staging nodes sharing the store).
func New(log hclog.Logger, st Store, c *cache.Cache, s *scheduler.Scheduler, srv *rpc.Server, exclude []string) *Runner {
	ex := make(map[string]struct{}, len(exclude))
	for _, n := range exclude {
		ex[n] = struct{}{}
	}
	return &Runner{
		log:      log.Named("tasks"),
		store:    st,
		cache:    c,
		sched:    s,
		server:   srv,
		excluded: ex,
	}
}

type nodeInfoFrame struct {
	Name string `json:"name"`
}

// Run drives all three tasks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	poke := time.NewTicker(nodeInfoInterval)
	refresh := time.NewTicker(refreshInterval)
	sweep := time.NewTicker(sweepInterval)
	defer poke.Stop()
	defer refresh.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poke.C:
			r.broadcastNodeInfo()
		case <-refresh.C:
			r.refreshCache(ctx)
		case <-sweep.C:
			r.sweepNodeMap()
		}
	}
}

// broadcastNodeInfo pokes every live node into re-running its side of the
// sync (re-registration, terminal re-announce). Each session gets its own
// name back.
func (r *Runner) broadcastNodeInfo() {
	sessions := r.server.Sessions()
	for i := range sessions {
		sess := &sessions[i]
		if sess.Name == "" {
			continue
		}
		if err := r.server.SendToNode(sess.Name, "nodeInfo", nodeInfoFrame{Name: sess.Name}); err != nil {
			r.log.Debug("nodeInfo poke failed", "node", sess.Name, "error", err)
		}
	}
}

// refreshCache re-derives scheduling intervals for every terminal of every
// active node. The freshly loaded documents are pushed through the
// scheduler so flow-budget drift reaches cached entities that would
// otherwise serve stale reads forever.
func (r *Runner) refreshCache(ctx context.Context) {
	nodes, err := r.store.ActiveNodes(ctx)
	if err != nil {
		r.log.Warn("active node load failed", "error", err)
		return
	}
	refreshed := 0
	for _, n := range nodes {
		if _, skip := r.excluded[n.Name]; skip {
			continue
		}
		terminals, err := r.store.TerminalsByNode(ctx, n.Name)
		if err != nil {
			r.log.Warn("terminal load failed", "node", n.Name, "error", err)
			continue
		}
		for i := range terminals {
			if err := r.sched.SyncTerminal(ctx, &terminals[i]); err != nil {
				r.log.Debug("refresh failed", "mac", terminals[i].DevMac, "error", err)
				continue
			}
			refreshed++
		}
	}
	st := r.cache.Stats()
	r.log.Info("cache refresh complete", "terminals", refreshed,
		"cacheSize", st.Size, "hitRate", st.HitRate)
}

// sweepNodeMap pokes everyone, then clears the name index and the
// scheduler's channel scratch; both repopulate as nodes answer.
func (r *Runner) sweepNodeMap() {
	r.server.Broadcast("nodeInfo", nodeInfoFrame{})
	r.server.ResetNodeIndex()
	r.sched.ClearScratch()
	r.log.Info("node map swept")
}
