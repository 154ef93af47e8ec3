// Package engine assembles the sync client: durable store, credential
// store, projection, connection manager, and reconciler, behind one owned
// SyncEngine handle. Every inbound snapshot and batch funnels through a
// single FIFO queue with one consumer goroutine, so batch application is
// never concurrent no matter how many connections feed it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tetherapp/tether/internal/connmgr"
	"github.com/tetherapp/tether/internal/cred"
	"github.com/tetherapp/tether/internal/logging"
	"github.com/tetherapp/tether/internal/model"
	"github.com/tetherapp/tether/internal/pairing"
	"github.com/tetherapp/tether/internal/projection"
	"github.com/tetherapp/tether/internal/reconcile"
	"github.com/tetherapp/tether/internal/store"
	"github.com/tetherapp/tether/internal/transport"
)

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("engine stopped")

// Options configures a SyncEngine.
type Options struct {
	// DataDir holds the SQLite store, credential file, and device id.
	DataDir string

	// DeviceName is sent to peers during pairing.
	DeviceName string

	// Policy selects how much message history the projection retains.
	Policy projection.Policy

	// Dialer overrides the TCP transport in tests.
	Dialer transport.Dialer
}

// task is one unit of serialized work.
type task struct {
	run  func() error
	done chan error
}

// SyncEngine owns all client state. Construct one at process start and
// pass it by handle; there are no package-level singletons.
type SyncEngine struct {
	store    *store.Store
	creds    *cred.Store
	proj     *projection.Projection
	rec      *reconcile.Reconciler
	manager  *connmgr.Manager
	dialer   transport.Dialer
	deviceID string
	opts     Options

	tasks chan task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New opens the stores under opts.DataDir and assembles a stopped engine.
// Call Start to bring connections up.
func New(opts Options) (*SyncEngine, error) {
	s, err := store.Open(filepath.Join(opts.DataDir, "tether.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	creds, err := cred.Open(filepath.Join(opts.DataDir, "credentials.json"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	deviceID, err := loadDeviceID(filepath.Join(opts.DataDir, "device-id"))
	if err != nil {
		s.Close()
		return nil, err
	}

	proj := projection.New(opts.Policy)
	e := &SyncEngine{
		store:    s,
		creds:    creds,
		proj:     proj,
		rec:      reconcile.New(s, proj),
		dialer:   opts.Dialer,
		deviceID: deviceID,
		opts:     opts,
		tasks:    make(chan task),
		quit:     make(chan struct{}),
	}
	e.manager = connmgr.NewManager(connmgr.Options{
		DeviceID: deviceID,
		Dialer:   opts.Dialer,
		Sink:     e,
		Cursors:  s,
	})

	e.wg.Add(1)
	go e.drain()
	return e, nil
}

// loadDeviceID reads the stable device identity, minting one on first run.
func loadDeviceID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// DeviceID returns this device's stable identity.
func (e *SyncEngine) DeviceID() string { return e.deviceID }

// Store exposes the durable store for read paths (CLI listings, export).
func (e *SyncEngine) Store() *store.Store { return e.store }

// Projection exposes the reactive in-memory view.
func (e *SyncEngine) Projection() *projection.Projection { return e.proj }

// drain is the single consumer of the apply queue. A task admitted to the
// queue always completes, even during shutdown.
func (e *SyncEngine) drain() {
	defer e.wg.Done()
	for {
		select {
		case t := <-e.tasks:
			t.done <- t.run()
		case <-e.quit:
			// Drain anything already admitted before exiting.
			for {
				select {
				case t := <-e.tasks:
					t.done <- t.run()
				default:
					return
				}
			}
		}
	}
}

// submit runs fn on the serialized queue and waits for its result.
func (e *SyncEngine) submit(fn func() error) error {
	t := task{run: fn, done: make(chan error, 1)}
	select {
	case e.tasks <- t:
		return <-t.done
	case <-e.quit:
		return ErrStopped
	}
}

// ApplySnapshot implements connmgr.Sink.
func (e *SyncEngine) ApplySnapshot(workstationID string, sessions []model.SessionSnapshot) error {
	return e.submit(func() error {
		return e.rec.ApplySnapshot(workstationID, sessions)
	})
}

// ApplyBatch implements connmgr.Sink. The connection manager acks the
// batch only when this returns nil, after the store transaction commits.
func (e *SyncEngine) ApplyBatch(workstationID string, events []json.RawMessage) error {
	return e.submit(func() error {
		_, err := e.rec.ApplyBatch(workstationID, events)
		return err
	})
}

// Start connects every enabled workstation using its stored credentials.
func (e *SyncEngine) Start() error {
	workstations, err := e.store.ListWorkstations()
	if err != nil {
		return fmt.Errorf("list workstations: %w", err)
	}
	for i := range workstations {
		ws := &workstations[i]
		if !ws.Enabled {
			continue
		}
		if err := e.connect(ws); err != nil {
			logging.Warn("workstation %s: not connecting: %v", ws.ID, err)
		}
	}
	return nil
}

func (e *SyncEngine) connect(ws *model.Workstation) error {
	c, err := e.creds.Get(ws.ID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	e.manager.Connect(connmgr.Peer{Workstation: ws, Credentials: c})
	return nil
}

// PairWorkstation runs the pairing handshake against address with the
// human-entered code, persists the workstation and its credentials, and
// connects. The first paired workstation becomes active.
func (e *SyncEngine) PairWorkstation(ctx context.Context, address, code string) (*model.Workstation, error) {
	client := &pairing.Client{Dialer: e.dialer, DeviceName: e.opts.DeviceName}
	pc, err := client.Pair(ctx, address, code, e.deviceID)
	if err != nil {
		return nil, err
	}

	ws := &model.Workstation{
		ID:      pc.WorkstationID,
		Name:    pc.WorkstationName,
		Address: address,
		Enabled: true,
	}
	if ws.Name == "" {
		ws.Name = address
	}
	existing, err := e.store.ListWorkstations()
	if err != nil {
		return nil, fmt.Errorf("list workstations: %w", err)
	}
	ws.Active = len(existing) == 0
	if err := e.store.UpsertWorkstation(ws); err != nil {
		return nil, fmt.Errorf("persist workstation: %w", err)
	}
	if err := e.creds.Set(ws.ID, &cred.Credentials{
		AuthToken:     pc.AuthToken,
		EncryptionKey: pc.EncryptionKey,
	}); err != nil {
		return nil, fmt.Errorf("persist credentials: %w", err)
	}

	if err := e.connect(ws); err != nil {
		logging.Warn("workstation %s: paired but not connected: %v", ws.ID, err)
	}
	return ws, nil
}

// Reconnect tears down and re-establishes one workstation's connection.
// Safe to call while already connected.
func (e *SyncEngine) Reconnect(workstationID string) error {
	ws, err := e.store.GetWorkstation(workstationID)
	if err != nil {
		return err
	}
	return e.connect(ws)
}

// Disconnect drops one workstation's connection without forgetting it.
// Decoded key material for the workstation is destroyed; reconnecting
// reloads it from disk.
func (e *SyncEngine) Disconnect(workstationID string) {
	e.manager.Disconnect(workstationID)
	e.creds.Evict(workstationID)
}

// RemoveWorkstation disconnects, deletes the workstation and everything
// under it from the store, removes both credential entries, and clears the
// projection.
func (e *SyncEngine) RemoveWorkstation(workstationID string) error {
	e.manager.Disconnect(workstationID)
	if err := e.store.DeleteWorkstation(workstationID); err != nil {
		return err
	}
	if err := e.creds.Delete(workstationID); err != nil && !errors.Is(err, cred.ErrNotFound) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	e.proj.RemoveWorkstation(workstationID)
	return nil
}

// ConnectionStates reports every managed connection for display.
func (e *SyncEngine) ConnectionStates() []connmgr.State {
	return e.manager.States()
}

// OpenSession loads a session's merged history into the projection, e.g.
// when the UI focuses it.
func (e *SyncEngine) OpenSession(sessionID string) ([]*model.Message, error) {
	e.proj.SetViewed(sessionID)
	return e.rec.LoadHistory(sessionID)
}

// Stop disconnects everything and shuts the apply queue down. Batches
// already admitted to the queue complete first.
func (e *SyncEngine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.manager.Close()
	close(e.quit)
	e.wg.Wait()
	return e.store.Close()
}
