// Package mgmt stands in for the management-channel handshake the
// distilled spec treats as an external collaborator: the thing that
// creates volume records. It exposes a minimal HTTP admin surface over
// fasthttp for creating, listing, and health-checking volumes.
package mgmt

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/cloudbyte/zrepl-core/ack"
	"github.com/cloudbyte/zrepl-core/internal/nlog"
	"github.com/cloudbyte/zrepl-core/rebuild"
	"github.com/cloudbyte/zrepl-core/stats"
	"github.com/cloudbyte/zrepl-core/store"
	"github.com/cloudbyte/zrepl-core/volume"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EngineFactory builds the backing store for a newly created volume.
type EngineFactory func(name string, size uint64) (store.Engine, error)

// Server is the admin HTTP surface: POST /volumes creates one (and
// starts its ack-sender for the volume's whole lifetime), GET /volumes
// lists them, POST /volumes/{name}/rebuild pulls it from a healthy peer,
// GET /healthz reports process liveness.
type Server struct {
	Registry  *volume.Registry
	NewEngine EngineFactory

	// Ctx bounds the lifetime of goroutines this server spawns (rebuild
	// downstream sessions). Defaults to context.Background if nil.
	Ctx context.Context

	// DefaultCheckpointInterval seeds a freshly created volume's
	// checkpoint interval; zero keeps volume.New's own default.
	DefaultCheckpointInterval time.Duration

	// StepSize is the REBUILD_STEP size passed to spawned downstream
	// sessions; zero falls back to rebuild.DefaultStepSize.
	StepSize uint64

	Stats *stats.Stats

	// OnHealthy, if set, is wired into every spawned rebuild.Downstream
	// so a completed pull wakes the checkpoint timer.
	OnHealthy func(*volume.Info)
}

type createVolumeRequest struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

type rebuildRequest struct {
	PeerAddr string `json:"peer_addr"`
}

type volumeView struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	RebuildState  string `json:"rebuild_state"`
	RunningIoNum  uint64 `json:"running_io_num"`
	CheckpointNum uint64 `json:"checkpointed_io_num"`
}

// Handler returns the fasthttp request handler for this server.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	switch {
	case string(ctx.Path()) == "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case string(ctx.Path()) == "/volumes" && ctx.IsPost():
		s.createVolume(ctx)
	case string(ctx.Path()) == "/volumes" && ctx.IsGet():
		s.listVolumes(ctx)
	case strings.HasPrefix(string(ctx.Path()), volumesPrefix) && strings.HasSuffix(string(ctx.Path()), rebuildSuffix) && ctx.IsPost():
		name := strings.TrimSuffix(strings.TrimPrefix(string(ctx.Path()), volumesPrefix), rebuildSuffix)
		s.startRebuild(ctx, name)
	case len(ctx.Path()) > len(volumesPrefix) && string(ctx.Path()[:len(volumesPrefix)]) == volumesPrefix && ctx.IsDelete():
		s.deleteVolume(ctx, string(ctx.Path()[len(volumesPrefix):]))
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

const (
	volumesPrefix = "/volumes/"
	rebuildSuffix = "/rebuild"
)

func (s *Server) createVolume(ctx *fasthttp.RequestCtx) {
	var req createVolumeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString(err.Error())
		return
	}
	if req.Name == "" || req.Size == 0 {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString("name and size are required")
		return
	}
	if _, ok := s.Registry.Lookup(req.Name); ok {
		ctx.SetStatusCode(fasthttp.StatusConflict)
		ctx.SetBodyString(fmt.Sprintf("volume %q already exists", req.Name))
		return
	}

	eng, err := s.NewEngine(req.Name, req.Size)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(err.Error())
		return
	}

	v := volume.New(req.Name, eng)
	if s.DefaultCheckpointInterval > 0 {
		v.UpdateInterval.Store(int64(s.DefaultCheckpointInterval / time.Second))
	}
	v.SetState(volume.StateHealthy)
	s.Registry.Register(v)

	sender := &ack.Sender{Vol: v}
	go sender.Run()

	nlog.Infof("mgmt: volume %s created, size=%d", req.Name, req.Size)
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, toView(v))
}

// deleteVolume stops the volume's ack-sender, closes its engine, and
// drops it from the registry. This is the defined stop point for the
// per-volume ack-sender goroutine started in createVolume.
func (s *Server) deleteVolume(ctx *fasthttp.RequestCtx, name string) {
	v, ok := s.Registry.Lookup(name)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	v.SetState(volume.StateOffline)
	v.SetAckAlive(false)
	s.Registry.Remove(name)
	if err := v.Zv.Close(); err != nil {
		nlog.Warnf("mgmt: close engine for %s: %v", name, err)
	}
	nlog.Infof("mgmt: volume %s deleted", name)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// startRebuild marks name REBUILDING and spawns one rebuild.Downstream
// session pulling it whole from req.PeerAddr. The session runs for the
// lifetime of s.Ctx; its outcome is logged, not returned to the caller,
// since the pull can run far longer than one HTTP request.
func (s *Server) startRebuild(ctx *fasthttp.RequestCtx, name string) {
	var req rebuildRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.PeerAddr == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString("peer_addr is required")
		return
	}

	v, ok := s.Registry.Lookup(name)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	v.RebuildMtx.Lock()
	v.RebuildInfo = volume.RebuildCounters{Cnt: 1}
	v.SetRebuildState(volume.RebuildInProgress)
	v.RebuildMtx.Unlock()
	v.SetState(volume.StateRebuilding)

	d := &rebuild.Downstream{
		PeerAddr:  req.PeerAddr,
		StepSize:  s.StepSize,
		Vol:       v,
		Name:      name,
		Stats:     s.Stats,
		OnHealthy: s.OnHealthy,
	}
	runCtx := s.Ctx
	if runCtx == nil {
		runCtx = context.Background()
	}
	go func() {
		if err := d.Run(runCtx, v.CheckpointedIoNum.Load()); err != nil {
			nlog.Warnf("mgmt: rebuild for %s from %s failed: %v", name, req.PeerAddr, err)
		}
	}()

	nlog.Infof("mgmt: rebuild started for %s from %s", name, req.PeerAddr)
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

func (s *Server) listVolumes(ctx *fasthttp.RequestCtx) {
	var views []volumeView
	s.Registry.Each(func(v *volume.Info) {
		views = append(views, toView(v))
	})
	writeJSON(ctx, views)
}

func toView(v *volume.Info) volumeView {
	return volumeView{
		Name:          v.Name,
		State:         v.State().String(),
		RebuildState:  v.RebuildState().String(),
		RunningIoNum:  v.RunningIoNum(),
		CheckpointNum: v.CheckpointedIoNum.Load(),
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	ctx.SetContentType("application/json")
	enc := json.NewEncoder(ctx)
	if err := enc.Encode(v); err != nil {
		nlog.Warnf("mgmt: encode response failed: %v", err)
	}
}
