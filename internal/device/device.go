package device

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kraken-go-home/internal/events"
	"kraken-go-home/internal/kraken"
	"kraken-go-home/internal/metrics"
	"kraken-go-home/internal/store"
	"kraken-go-home/internal/update"
	"kraken-go-home/internal/usbio"
)

// Device is one attached cooler. It exclusively owns its connection, and
// through it the transfer buffer; the scheduler is the only caller of the
// driver's Update.
type Device struct {
	id         string
	info       usbio.DeviceInfo
	driver     Driver
	conn       *usbio.Conn
	sched      *update.Scheduler
	bus        *events.Bus
	store      store.Store
	logger     *slog.Logger
	attachedAt time.Time

	closeOnce sync.Once
}

// Info is a JSON snapshot of a device.
type Info struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	USB        usbio.DeviceInfo `json:"usb"`
	AttachedAt time.Time        `json:"attached_at"`
	Telemetry  kraken.Telemetry `json:"telemetry"`
	Update     update.Status    `json:"update"`
}

func newDevice(id string, info usbio.DeviceInfo, drv Driver, conn *usbio.Conn, cfg update.Config, bus *events.Bus, st store.Store, logger *slog.Logger) *Device {
	d := &Device{
		id:         id,
		info:       info,
		driver:     drv,
		conn:       conn,
		bus:        bus,
		store:      st,
		logger:     logger.With("device", id),
		attachedAt: time.Now(),
	}
	d.sched = update.New(drv.Update, cfg, d.logger.With("component", "scheduler"), update.WithPassHook(d.onPass))
	return d
}

func (d *Device) start(ctx context.Context) {
	metrics.SetUpdatesEnabled(d.id, d.sched.Status().Enabled)
	d.sched.Start(ctx)
}

func (d *Device) onPass(res update.PassResult) {
	tel := d.driver.Telemetry()
	metrics.ObservePass(d.id, tel, res.Err)

	ev := events.UpdateCompletedEvent{
		DeviceID:  d.id,
		Model:     d.driver.Model(),
		OK:        res.Err == nil,
		Duration:  res.Duration,
		Telemetry: tel,
		Timestamp: res.Start.Add(res.Duration),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	d.bus.Publish(ev)

	if res.Halted {
		metrics.SetUpdatesEnabled(d.id, false)
		d.persistUpdate()
		d.bus.Publish(events.UpdatesHaltedEvent{
			DeviceID:  d.id,
			Error:     res.Err.Error(),
			Timestamp: time.Now(),
		})
	}
}

// ID returns the device identifier: the serial number when one is known.
func (d *Device) ID() string { return d.id }

// Model returns the driver name.
func (d *Device) Model() string { return d.driver.Model() }

// USB returns the bus identity the device was attached with.
func (d *Device) USB() usbio.DeviceInfo { return d.info }

// Attributes lists the attributes in replay order.
func (d *Device) Attributes() []kraken.Attribute { return d.driver.Attributes() }

// Get reads an attribute.
func (d *Device) Get(name string) (string, error) {
	return d.driver.Get(name)
}

// Set writes an attribute. Accepted values are persisted and announced; the
// hardware sees them on the next pass.
func (d *Device) Set(name, value string) error {
	value = strings.TrimSpace(value)
	if err := d.driver.Set(name, value); err != nil {
		return err
	}
	d.logger.Debug("attribute set", "attr", name, "value", value)
	d.persist(func(rec *store.Device) { rec.SetSetting(name, value) })
	d.bus.Publish(events.AttributeChangedEvent{
		DeviceID:  d.id,
		Name:      name,
		Value:     value,
		Timestamp: time.Now(),
	})
	return nil
}

// Telemetry returns the readings of the last successful status read.
func (d *Device) Telemetry() kraken.Telemetry { return d.driver.Telemetry() }

// SetUpdateInterval changes the pass period. Zero turns updates off.
func (d *Device) SetUpdateInterval(interval time.Duration) {
	d.sched.SetInterval(interval)
	d.persistUpdate()
}

// SetUpdateEnabled turns updates on or off. Enabling restarts halted
// updates.
func (d *Device) SetUpdateEnabled(on bool) {
	d.sched.SetEnabled(on)
	metrics.SetUpdatesEnabled(d.id, on)
	d.persistUpdate()
}

// WaitForNextUpdate blocks until the next pass completes and reports whether
// it succeeded. It returns false early when the device is detached or ctx is
// done.
func (d *Device) WaitForNextUpdate(ctx context.Context) bool {
	return d.sched.Wait(ctx) == nil
}

// UpdateNow runs a pass, or joins the one in flight, and returns its error.
func (d *Device) UpdateNow(ctx context.Context) error {
	return d.sched.UpdateNow(ctx)
}

// UpdateStatus returns the scheduler snapshot.
func (d *Device) UpdateStatus() update.Status { return d.sched.Status() }

// Info returns a snapshot for display.
func (d *Device) Info() Info {
	return Info{
		ID:         d.id,
		Model:      d.driver.Model(),
		USB:        d.info,
		AttachedAt: d.attachedAt,
		Telemetry:  d.driver.Telemetry(),
		Update:     d.sched.Status(),
	}
}

// Close stops updates, lets an in-flight pass finish, releases every waiter
// and closes the connection.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.sched.Stop()
		err = d.conn.Close()
		metrics.DeleteDevice(d.id)
		d.bus.Publish(events.DeviceDetachedEvent{DeviceID: d.id, Timestamp: time.Now()})
		d.logger.Info("device detached")
	})
	return err
}

func (d *Device) persistUpdate() {
	st := d.sched.Status()
	d.persist(func(rec *store.Device) {
		rec.Update = &store.UpdateSettings{IntervalMS: int(st.IntervalMS), Enabled: st.Enabled}
	})
}

func (d *Device) persist(fn func(rec *store.Device)) {
	if d.store == nil {
		return
	}
	err := d.store.UpdateDevice(d.id, func(rec *store.Device) error {
		fn(rec)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("persist device settings", "err", err)
	}
}
