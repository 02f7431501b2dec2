package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"kraken-go-home/internal/events"
	"kraken-go-home/internal/store"
	"kraken-go-home/internal/update"
	"kraken-go-home/internal/usbio"
)

var (
	// ErrUnsupported is returned when attaching a device no driver handles.
	ErrUnsupported = errors.New("unsupported device")
	// ErrExists is returned when a device with the same id is attached.
	ErrExists = errors.New("device already attached")
	// ErrNotFound is returned for an id that is not attached.
	ErrNotFound = errors.New("device not found")
	// ErrClosed is returned when attaching to a closed manager.
	ErrClosed = errors.New("device manager closed")
)

// Config is the manager's startup configuration.
type Config struct {
	// Update is the scheduling every device starts with, unless the store
	// holds a later choice for it.
	Update update.Config
	// Settings holds initial attribute values by device id. Stored values
	// win over these.
	Settings map[string]map[string]string
}

// Source finds and opens coolers.
type Source interface {
	Enumerate() ([]usbio.DeviceInfo, error)
	Open(info usbio.DeviceInfo) (usbio.Transport, error)
}

// USBSource finds coolers through libusb.
type USBSource struct {
	Logger *slog.Logger
}

func (s USBSource) Enumerate() ([]usbio.DeviceInfo, error) {
	return usbio.Enumerate(IDs())
}

func (s USBSource) Open(info usbio.DeviceInfo) (usbio.Transport, error) {
	return usbio.OpenUSBAt(info, s.Logger)
}

// Manager keeps the attached devices.
type Manager struct {
	cfg    Config
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
	ctx    context.Context

	mu      sync.RWMutex
	devices map[string]*Device
	ports   map[string]string // bus-address -> id, for scanned devices
	closed  bool
}

// NewManager creates a manager. Schedulers of attached devices inherit the
// values of ctx. st may be nil to run without persistence.
func NewManager(ctx context.Context, cfg Config, st store.Store, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		logger:  logger.With("component", "device_manager"),
		ctx:     ctx,
		devices: make(map[string]*Device),
		ports:   make(map[string]string),
	}
}

func portKey(info usbio.DeviceInfo) string {
	return fmt.Sprintf("%d-%d", info.Bus, info.Address)
}

func deviceID(serial string, info usbio.DeviceInfo) string {
	switch {
	case serial != "":
		return serial
	case info.Serial != "":
		return info.Serial
	}
	return "usb-" + portKey(info)
}

// Attach initializes a device on t, replays its settings and starts its
// updates. The transport is closed when Attach fails.
func (m *Manager) Attach(ctx context.Context, t usbio.Transport, info usbio.DeviceInfo) (*Device, error) {
	model, ok := LookupModel(info.Vendor, info.Product)
	if !ok {
		t.Close()
		return nil, fmt.Errorf("attach %04x:%04x: %w", info.Vendor, info.Product, ErrUnsupported)
	}
	return m.attach(ctx, model, t, info)
}

// AttachModel is Attach for transports that cannot report a USB id, such as
// a serial bridge.
func (m *Manager) AttachModel(ctx context.Context, name string, t usbio.Transport, info usbio.DeviceInfo) (*Device, error) {
	model, ok := ModelByName(name)
	if !ok {
		t.Close()
		return nil, fmt.Errorf("attach model %q: %w", name, ErrUnsupported)
	}
	info.Vendor, info.Product = model.Vendor, model.Product
	return m.attach(ctx, model, t, info)
}

func (m *Manager) attach(ctx context.Context, model Model, t usbio.Transport, info usbio.DeviceInfo) (*Device, error) {
	conn := usbio.NewConn(t, usbio.NewBuffer(0))
	drv := model.New(conn, m.logger)

	serial, err := drv.Init(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init %s: %w", model.Name, err)
	}
	id := deviceID(serial, info)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("attach %s: %w", id, ErrClosed)
	}
	if _, dup := m.devices[id]; dup {
		m.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("attach %s: %w", id, ErrExists)
	}
	// Reserve the id while settings are replayed.
	m.devices[id] = nil
	m.mu.Unlock()

	rec := m.loadRecord(id, model, info)
	m.replay(id, drv, rec)

	cfg := m.cfg.Update
	if rec.Update != nil {
		cfg.Interval = time.Duration(rec.Update.IntervalMS) * time.Millisecond
		cfg.Enabled = rec.Update.Enabled
	}

	dev := newDevice(id, info, drv, conn, cfg, m.bus, m.store, m.logger)

	// Close may have run during replay and dropped the reservation.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("attach %s: %w", id, ErrClosed)
	}
	m.devices[id] = dev
	dev.start(m.ctx)
	m.mu.Unlock()

	m.logger.Info("device attached", "device", id, "model", model.Name, "bus", info.Bus, "addr", info.Address)
	m.bus.Publish(events.DeviceAttachedEvent{DeviceID: id, Model: model.Name, Timestamp: time.Now()})
	return dev, nil
}

// loadRecord fetches or creates the stored record and marks it seen.
func (m *Manager) loadRecord(id string, model Model, info usbio.DeviceInfo) *store.Device {
	now := time.Now()
	rec := &store.Device{ID: id, FirstSeen: now}
	if m.store == nil {
		return rec
	}
	if got, err := m.store.GetDevice(id); err == nil {
		rec = got
	} else if !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("load device record", "device", id, "err", err)
	}
	rec.Model = model.Name
	rec.Vendor, rec.Product = info.Vendor, info.Product
	rec.LastSeen = now
	if err := m.store.SaveDevice(rec); err != nil {
		m.logger.Warn("save device record", "device", id, "err", err)
	}
	return rec
}

// replay applies configured and stored settings in attribute order. Bad
// values are logged and skipped.
func (m *Manager) replay(id string, drv Driver, rec *store.Device) {
	settings := make(map[string]string)
	maps.Copy(settings, m.cfg.Settings[id])
	maps.Copy(settings, rec.Settings)
	if len(settings) == 0 {
		return
	}

	logger := m.logger.With("device", id)
	for _, a := range drv.Attributes() {
		v, ok := settings[a.Name]
		if !ok {
			continue
		}
		delete(settings, a.Name)
		if !a.Writable() {
			logger.Warn("ignoring setting for read-only attribute", "attr", a.Name)
			continue
		}
		if err := drv.Set(a.Name, v); err != nil {
			logger.Warn("replay setting", "attr", a.Name, "err", err)
		}
	}
	for name := range settings {
		logger.Warn("ignoring setting for unknown attribute", "attr", name)
	}
}

// Detach closes and forgets a device.
func (m *Manager) Detach(id string) error {
	m.mu.Lock()
	dev := m.devices[id]
	if dev == nil {
		m.mu.Unlock()
		return fmt.Errorf("detach %s: %w", id, ErrNotFound)
	}
	delete(m.devices, id)
	for port, pid := range m.ports {
		if pid == id {
			delete(m.ports, port)
		}
	}
	m.mu.Unlock()

	return dev.Close()
}

// Get returns an attached device.
func (m *Manager) Get(id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev := m.devices[id]
	if dev == nil {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return dev, nil
}

// List returns the attached devices ordered by id.
func (m *Manager) List() []*Device {
	m.mu.RLock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		if d != nil {
			out = append(out, d)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Device) int { return strings.Compare(a.id, b.id) })
	return out
}

// Scan attaches coolers src reports that are not attached yet and detaches
// scanned ones that disappeared. Failures to attach one device are logged
// and do not stop the scan.
func (m *Manager) Scan(ctx context.Context, src Source) error {
	infos, err := src.Enumerate()
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	present := make(map[string]bool, len(infos))
	for _, info := range infos {
		port := portKey(info)
		present[port] = true

		m.mu.RLock()
		_, known := m.ports[port]
		m.mu.RUnlock()
		if known {
			continue
		}

		t, err := src.Open(info)
		if err != nil {
			m.logger.Warn("open device", "bus", info.Bus, "addr", info.Address, "err", err)
			continue
		}
		dev, err := m.Attach(ctx, t, info)
		if err != nil {
			m.logger.Warn("attach device", "bus", info.Bus, "addr", info.Address, "err", err)
			continue
		}
		m.mu.Lock()
		m.ports[port] = dev.ID()
		m.mu.Unlock()
	}

	m.mu.RLock()
	var gone []string
	for port, id := range m.ports {
		if !present[port] {
			gone = append(gone, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range gone {
		if err := m.Detach(id); err != nil {
			m.logger.Warn("detach device", "device", id, "err", err)
		}
	}
	return nil
}

// Watch scans every interval until ctx is done.
func (m *Manager) Watch(ctx context.Context, src Source, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.Scan(ctx, src); err != nil {
			m.logger.Warn("device scan failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close detaches every device. Attaches still in progress fail with
// ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	devs := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		if d != nil {
			devs = append(devs, d)
		}
	}
	clear(m.devices)
	clear(m.ports)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range devs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Close(); err != nil {
				m.logger.Warn("close device", "device", d.ID(), "err", err)
			}
		}()
	}
	wg.Wait()
}
