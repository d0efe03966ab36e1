package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"vigil/internal/config"
	"vigil/internal/correlation"
	"vigil/internal/detection"
	"vigil/internal/events"
	"vigil/internal/liveview"
	"vigil/internal/pipeline"
	"vigil/internal/store"
	"vigil/internal/stream"
)

// Service wires the pipeline together: stream workers feed the detector,
// detections feed the correlation engine and the publisher, and the store
// and live view ride along as event subscribers.
type Service struct {
	cfg      *config.Config
	detector pipeline.Detector
	tracker  *detection.MotionTracker
	manager  *stream.Manager
	engine   *correlation.Engine
	pub      *events.Publisher
	store    *store.Store
	viewer   *liveview.Viewer

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	handlerMu sync.RWMutex
	handlers  []pipeline.ResultHandler

	detectErrors atomic.Uint64
}

// Stats aggregates the per-component counters for GET /stats.
type Stats struct {
	Cameras     []pipeline.WorkerStats   `json:"cameras"`
	Engine      correlation.Stats        `json:"engine"`
	Subscribers []events.SubscriberStats `json:"subscribers"`
	Detector    DetectorStats            `json:"detector"`
}

// DetectorStats reports the detector backend's health.
type DetectorStats struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Errors  uint64 `json:"errors"`
}

// New assembles the service. The store may be nil, in which case nothing is
// persisted.
func New(cfg *config.Config, detector pipeline.Detector, st *store.Store) (*Service, error) {
	pub := events.NewPublisher(cfg.Publisher.QueueSize, cfg.GracePeriod())

	engine, err := correlation.NewEngine(cfg.EngineConfig(), correlation.NewRelationshipTable(), pub)
	if err != nil {
		pub.Close()
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		detector: detector,
		tracker:  detection.NewMotionTracker(),
		engine:   engine,
		pub:      pub,
		store:    st,
		viewer:   liveview.NewViewer(),
		stop:     make(chan struct{}),
	}
	s.manager = stream.NewManager(cfg.Workers.TargetFPS, cfg.Workers.BufferDepth, s.onWorkerStatus)
	s.AddResultHandler(pipeline.ResultHandlerFunc(func(frame *pipeline.Frame, obs []pipeline.Observation) {
		s.viewer.Update(frame, obs)
	}))

	if st != nil {
		store.Attach(pub, st)
	}
	return s, nil
}

// AddResultHandler registers a handler for per-frame detection results. The
// live view is registered by New; additional handlers run after it, in
// registration order, on the dispatching worker's goroutine.
func (s *Service) AddResultHandler(h pipeline.ResultHandler) {
	s.handlerMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlerMu.Unlock()
}

// emitResults delivers one frame's observations to every registered handler.
// Frames that produced no observations are delivered with a nil slice so
// handlers still see the frame.
func (s *Service) emitResults(frame *pipeline.Frame, obs []pipeline.Observation) {
	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h.OnObservations(frame, obs)
	}
}

// Start launches the background loops, restores persisted state, and
// provisions the configured cameras and relationships.
func (s *Service) Start() error {
	go s.engine.Run(s.stop)
	go s.pub.Run(s.stop)

	if s.store != nil {
		if err := s.restore(); err != nil {
			return err
		}
	}

	for _, rc := range s.cfg.Relationships {
		if err := s.AddRelationship(rc.ToRelationship()); err != nil {
			return err
		}
	}
	for _, cam := range s.cfg.Cameras {
		if err := s.AddCamera(cam); err != nil && !errors.Is(err, stream.ErrCameraExists) {
			return err
		}
	}
	return nil
}

// restore brings back the cameras and relationships persisted by previous
// runs. A camera that no longer connects still gets its worker; the worker's
// own retry policy decides its fate.
func (s *Service) restore() error {
	rels, err := s.store.ListRelationships()
	if err != nil {
		return err
	}
	for _, r := range rels {
		rel := correlation.Relationship{
			MonitorA:   r.MonitorA,
			MonitorB:   r.MonitorB,
			Kind:       correlation.RelationshipKind(r.Kind),
			Multiplier: r.Multiplier,
		}
		if err := s.engine.Relationships().Register(rel); err != nil {
			log.Printf("[Service] Skipping persisted relationship %s<->%s: %v", r.MonitorA, r.MonitorB, err)
		}
	}

	cameras, err := s.store.ListCameras()
	if err != nil {
		return err
	}
	for _, cam := range cameras {
		if err := s.AddCamera(cam); err != nil {
			log.Printf("[Service] Skipping persisted camera %s: %v", cam.CameraID, err)
		}
	}
	if len(cameras) > 0 || len(rels) > 0 {
		log.Printf("[Service] Restored %d cameras, %d relationships", len(cameras), len(rels))
	}
	return nil
}

// AddCamera starts a worker for the camera and begins dispatching its frames
// through the detection pipeline.
func (s *Service) AddCamera(cam pipeline.CameraConfig) error {
	worker, err := s.manager.Add(cam)
	if err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.SaveCamera(worker.Config()); err != nil {
			log.Printf("[Service] Failed to persist camera %s: %v", cam.CameraID, err)
		}
	}

	s.wg.Add(1)
	go s.dispatch(worker)
	return nil
}

// RemoveCamera stops the camera's worker and clears its derived state.
func (s *Service) RemoveCamera(cameraID string) error {
	if err := s.manager.Remove(cameraID); err != nil {
		return err
	}
	s.tracker.Forget(cameraID)
	s.viewer.Remove(cameraID)
	if s.store != nil {
		if err := s.store.DeleteCamera(cameraID); err != nil {
			log.Printf("[Service] Failed to delete camera %s: %v", cameraID, err)
		}
	}
	return nil
}

// AddRelationship registers the monitor pair with the engine and persists it.
// Re-registering an existing pair overwrites it.
func (s *Service) AddRelationship(rel correlation.Relationship) error {
	if err := s.engine.Relationships().Register(rel); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.SaveRelationship(rel.MonitorA, rel.MonitorB, string(rel.Kind), rel.Multiplier); err != nil {
			log.Printf("[Service] Failed to persist relationship %s<->%s: %v", rel.MonitorA, rel.MonitorB, err)
		}
	}
	return nil
}

// Relationships lists the registered monitor pairs.
func (s *Service) Relationships() []correlation.Relationship {
	return s.engine.Relationships().List()
}

// Stats snapshots every component's counters.
func (s *Service) Stats() Stats {
	return Stats{
		Cameras:     s.manager.Stats(),
		Engine:      s.engine.Stats(),
		Subscribers: s.pub.Stats(),
		Detector: DetectorStats{
			Name:    s.detector.Name(),
			Healthy: s.detector.IsHealthy(),
			Errors:  s.detectErrors.Load(),
		},
	}
}

// Publisher exposes the event publisher for transport handlers.
func (s *Service) Publisher() *events.Publisher { return s.pub }

// Viewer exposes the annotated live view.
func (s *Service) Viewer() *liveview.Viewer { return s.viewer }

// Engine exposes the correlation engine.
func (s *Service) Engine() *correlation.Engine { return s.engine }

// Fatal surfaces the engine's invariant-violation error to the supervisor.
func (s *Service) Fatal() <-chan error { return s.engine.Fatal() }

// Shutdown stops the workers, waits for in-flight frames to drain, and
// releases the detector and publisher.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.manager.StopAll()
	s.wg.Wait()
	s.pub.Close()
	if err := s.detector.Close(); err != nil {
		log.Printf("[Service] Detector close: %v", err)
	}
	log.Printf("[Service] Shutdown complete")
}

// dispatch drains one worker's frames until the worker terminates.
func (s *Service) dispatch(worker *stream.Worker) {
	defer s.wg.Done()
	cfg := worker.Config()
	for frame := range worker.Frames() {
		s.processFrame(cfg, frame)
	}
}

// processFrame runs one frame through detection, threat derivation, and
// correlation, and feeds the live view.
func (s *Service) processFrame(cam pipeline.CameraConfig, frame *pipeline.Frame) {
	if !cam.DetectionEnabled {
		s.emitResults(frame, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DetectorTimeout())
	obs, err := s.detector.Detect(ctx, frame)
	cancel()
	if err != nil {
		// Inference failures count as an empty detection set for this frame.
		s.detectErrors.Add(1)
		log.Printf("[Pipeline] Detection failed for camera %s frame %d: %v", cam.CameraID, frame.FrameID, err)
		s.emitResults(frame, nil)
		return
	}

	for i := range obs {
		obs[i].ZoneID = cam.ZoneID
	}
	s.tracker.Annotate(cam.CameraID, frame.Timestamp, obs)
	s.emitResults(frame, obs)

	for i := range obs {
		s.processObservation(obs[i])
	}
}

// processObservation publishes the observation and its threat event, then
// offers it to the correlation engine.
func (s *Service) processObservation(obs pipeline.Observation) {
	s.pub.Publish(events.NewMessage(events.KindObservation, &obs))

	level, risk := detection.DeriveThreat(&obs, obs.Timestamp)
	s.pub.Publish(events.NewMessage(events.KindThreatEvent, &events.ThreatPayload{
		Observation: obs,
		ThreatLevel: level,
		RiskScore:   risk,
	}))
	if level.Rank() >= pipeline.ThreatHigh.Rank() {
		log.Printf("[Pipeline] %s threat on camera %s: %s %q conf %.2f risk %.1f",
			level, obs.CameraID, obs.Class, obs.Label, obs.Confidence, risk)
	}

	if _, err := s.engine.Analyze(obs); err != nil {
		switch {
		case errors.Is(err, correlation.ErrDuplicateObservation):
			// Re-delivered frame; already counted.
		case errors.Is(err, correlation.ErrEngineFailed):
			// The supervisor is already tearing the process down.
		default:
			log.Printf("[Pipeline] Engine rejected observation %s: %v", obs.ID, err)
		}
	}
}

// onWorkerStatus republishes worker transitions as events and resets the
// camera's motion baseline when its stream drops.
func (s *Service) onWorkerStatus(stats pipeline.WorkerStats) {
	if stats.State == pipeline.StateReconnecting {
		// Frames across a reconnect are not consecutive.
		s.tracker.Forget(stats.CameraID)
	}
	s.pub.Publish(events.NewMessage(events.KindWorkerStatus, &events.WorkerStatusPayload{
		CameraID: stats.CameraID,
		State:    stats.State,
		Stats:    stats,
	}))
}
