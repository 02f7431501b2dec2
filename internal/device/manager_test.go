package device

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kraken-go-home/internal/events"
	"kraken-go-home/internal/kraken"
	"kraken-go-home/internal/store"
	"kraken-go-home/internal/update"
	"kraken-go-home/internal/usbio"
	"kraken-go-home/internal/usbio/usbiotest"
	"kraken-go-home/internal/x62"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	x62Info = usbio.DeviceInfo{Vendor: 0x1e71, Product: 0x170e, Bus: 1, Address: 3}
	x61Info = usbio.DeviceInfo{Vendor: 0x2433, Product: 0xb200, Bus: 1, Address: 4}
)

func serialDescriptor(s string) []byte {
	d := []byte{byte(2 + 2*len(s)), 0x03}
	for _, c := range []byte(s) {
		d = append(d, c, 0)
	}
	return d
}

// x62Fake answers like an X*2 cooler with the given serial.
func x62Fake(serial string) *usbiotest.Fake {
	f := usbiotest.New()
	f.SetControlRead(serialDescriptor(serial))
	f.SetRead(0x81, []byte{0x04, 30, 0x07, 0x03, 0xe8, 0x0a, 0x8c, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	return f
}

func x61Fake() *usbiotest.Fake {
	f := usbiotest.New()
	status := make([]byte, 32)
	status[10] = 28
	f.SetRead(0x82, status)
	return f
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fastUpdates runs passes often enough for tests to observe them.
var fastUpdates = update.Config{Interval: 20 * time.Millisecond, Enabled: true, MinInterval: 10 * time.Millisecond}

func newTestManager(t *testing.T, cfg Config, st store.Store) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.New()
	m := NewManager(context.Background(), cfg, st, bus, testLogger())
	t.Cleanup(m.Close)
	return m, bus
}

func TestAttachUsesSerialAndReplaysConfig(t *testing.T) {
	st := newTestStore(t)
	m, bus := newTestManager(t, Config{
		Update:   update.Config{},
		Settings: map[string]map[string]string{"KX1": {"fan_percent": "60", "serial_no": "x", "bogus": "1"}},
	}, st)

	attached := make(chan events.DeviceAttachedEvent, 1)
	defer bus.Subscribe(func(e events.DeviceAttachedEvent) { attached <- e })()

	dev, err := m.Attach(context.Background(), x62Fake("KX1"), x62Info)
	if err != nil {
		t.Fatal(err)
	}
	if dev.ID() != "KX1" || dev.Model() != "x62" {
		t.Errorf("device = %s %s", dev.ID(), dev.Model())
	}
	if v, err := dev.Get("fan_percent"); err != nil || v != "60" {
		t.Errorf("fan_percent = %q, %v", v, err)
	}

	rec, err := st.GetDevice("KX1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Model != "x62" || rec.Vendor != 0x1e71 || rec.LastSeen.IsZero() {
		t.Errorf("record = %+v", rec)
	}

	select {
	case e := <-attached:
		if e.DeviceID != "KX1" || e.Model != "x62" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no attach event")
	}
}

func TestStoredSettingsWinOverConfig(t *testing.T) {
	st := newTestStore(t)
	rec := &store.Device{ID: "KX1", Update: &store.UpdateSettings{IntervalMS: 0, Enabled: false}}
	rec.SetSetting("fan_percent", "80")
	rec.SetSetting("pump_percent", "70")
	if err := st.SaveDevice(rec); err != nil {
		t.Fatal(err)
	}

	m, _ := newTestManager(t, Config{
		Update:   fastUpdates,
		Settings: map[string]map[string]string{"KX1": {"fan_percent": "60"}},
	}, st)
	dev, err := m.Attach(context.Background(), x62Fake("KX1"), x62Info)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := dev.Get("fan_percent"); v != "80" {
		t.Errorf("fan_percent = %s, want stored 80", v)
	}
	if v, _ := dev.Get("pump_percent"); v != "70" {
		t.Errorf("pump_percent = %s, want 70", v)
	}
	if st := dev.UpdateStatus(); st.Enabled || st.IntervalMS != 0 {
		t.Errorf("update status = %+v, want stored off", st)
	}
}

func TestReplayAppliesLEDZoneLast(t *testing.T) {
	m, _ := newTestManager(t, Config{Settings: map[string]map[string]string{"KX1": {
		"led/zone":        "logo",
		"led/preset":      "breathing",
		"led/cycles":      "2",
		"led/colors_logo": "ff0000 00ff00",
	}}}, nil)

	dev, err := m.Attach(context.Background(), x62Fake("KX1"), x62Info)
	if err != nil {
		t.Fatal(err)
	}
	b := dev.driver.(*x62.Driver).LED.Committed()
	if b.Len != 2 || b.Slots[0].Zone != x62.ZoneLogo || b.Slots[0].Preset != x62.PresetBreathing {
		t.Errorf("committed batch = %+v", b)
	}
	if b.Slots[1].Logo != (kraken.Color{G: 0xff}) {
		t.Errorf("second logo color = %v", b.Slots[1].Logo)
	}
}

func TestSetPersistsAndPublishes(t *testing.T) {
	st := newTestStore(t)
	m, bus := newTestManager(t, Config{}, st)
	changed := make(chan events.AttributeChangedEvent, 1)
	defer bus.Subscribe(func(e events.AttributeChangedEvent) { changed <- e })()

	dev, err := m.Attach(context.Background(), x62Fake("KX1"), x62Info)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Set("pump_percent", " 75\n"); err != nil {
		t.Fatal(err)
	}
	if err := dev.Set("pump_percent", "20"); err == nil {
		t.Fatal("out-of-range value accepted")
	}

	rec, err := st.GetDevice("KX1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Settings["pump_percent"] != "75" {
		t.Errorf("stored pump_percent = %q", rec.Settings["pump_percent"])
	}

	select {
	case e := <-changed:
		if e.Name != "pump_percent" || e.Value != "75" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}

	dev.SetUpdateInterval(2 * time.Second)
	rec, _ = st.GetDevice("KX1")
	if rec.Update == nil || rec.Update.IntervalMS != 2000 {
		t.Errorf("stored update = %+v", rec.Update)
	}
}

func TestWaitForNextUpdate(t *testing.T) {
	m, _ := newTestManager(t, Config{Update: fastUpdates}, nil)
	dev, err := m.Attach(context.Background(), x62Fake("KX1"), x62Info)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !dev.WaitForNextUpdate(ctx) {
		t.Fatal("wait failed")
	}
	if tel := dev.Telemetry(); tel.LiquidTemp != 30 || tel.FanRPM != 0x03e8 {
		t.Errorf("telemetry = %+v", tel)
	}
	if dev.Info().Update.Passes == 0 {
		t.Error("no passes counted")
	}
}

func TestFailedPassHaltsUntilEnabled(t *testing.T) {
	m, bus := newTestManager(t, Config{Update: fastUpdates}, nil)
	halted := make(chan events.UpdatesHaltedEvent, 1)
	defer bus.Subscribe(func(e events.UpdatesHaltedEvent) { halted <- e })()

	fake := x62Fake("KX1")
	dev, err := m.Attach(context.Background(), fake, x62Info)
	if err != nil {
		t.Fatal(err)
	}
	fake.FailEndpoint(0x81, usbio.ErrTransport)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for dev.UpdateStatus().State != update.Halted {
		if ctx.Err() != nil {
			t.Fatal("updates never halted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case e := <-halted:
		if e.DeviceID != "KX1" || e.Error == "" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no halt event")
	}
	if err := dev.UpdateNow(ctx); !errors.Is(err, update.ErrDisabled) {
		t.Errorf("UpdateNow while halted = %v", err)
	}

	fake.FailEndpoint(0x81, nil)
	dev.SetUpdateEnabled(true)
	if err := dev.UpdateNow(ctx); err != nil {
		t.Fatalf("UpdateNow after re-enable = %v", err)
	}
}

func TestHaltIsPersisted(t *testing.T) {
	st := newTestStore(t)
	m, _ := newTestManager(t, Config{Update: fastUpdates}, st)

	fake := x62Fake("KX1")
	dev, err := m.Attach(context.Background(), fake, x62Info)
	if err != nil {
		t.Fatal(err)
	}
	fake.FailEndpoint(0x81, usbio.ErrTransport)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := st.GetDevice("KX1")
		if err == nil && rec.Update != nil && !rec.Update.Enabled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("halt not persisted, record = %+v, %v", rec, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if dev.UpdateStatus().State != update.Halted {
		t.Errorf("state = %v", dev.UpdateStatus().State)
	}
}

// gatedStore holds GetDevice until release is closed.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) GetDevice(id string) (*store.Device, error) {
	close(s.entered)
	<-s.release
	return s.Store.GetDevice(id)
}

func TestCloseDuringAttach(t *testing.T) {
	st := &gatedStore{Store: newTestStore(t), entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(context.Background(), Config{Update: fastUpdates}, st, events.New(), testLogger())

	fake := x62Fake("KX1")
	errc := make(chan error, 1)
	go func() {
		_, err := m.Attach(context.Background(), fake, x62Info)
		errc <- err
	}()

	select {
	case <-st.entered:
	case <-time.After(time.Second):
		t.Fatal("attach never reached the store")
	}
	m.Close()
	close(st.release)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("attach during close = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attach did not return")
	}
	if n := len(m.List()); n != 0 {
		t.Errorf("list after close has %d devices", n)
	}
	if !fake.Closed() {
		t.Error("transport left open")
	}

	late := x62Fake("KX2")
	if _, err := m.Attach(context.Background(), late, x62Info); !errors.Is(err, ErrClosed) {
		t.Errorf("attach after close = %v", err)
	}
	if !late.Closed() {
		t.Error("late transport left open")
	}
}

func TestDetachReleasesWaiters(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)
	fake := x62Fake("KX1")
	dev, err := m.Attach(context.Background(), fake, x62Info)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- dev.WaitForNextUpdate(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)

	if err := m.Detach("KX1"); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	close(results)
	for ok := range results {
		if ok {
			t.Error("waiter reported success after detach")
		}
	}
	if !fake.Closed() {
		t.Error("transport left open")
	}
	if _, err := m.Get("KX1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after detach = %v", err)
	}
	if err := m.Detach("KX1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second detach = %v", err)
	}
}

func TestAttachErrors(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)
	ctx := context.Background()

	unknown := usbiotest.New()
	if _, err := m.Attach(ctx, unknown, usbio.DeviceInfo{Vendor: 1, Product: 2}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("unsupported = %v", err)
	}
	if !unknown.Closed() {
		t.Error("unsupported transport left open")
	}

	broken := x62Fake("KX1")
	broken.Fail(usbio.ErrTransport)
	if _, err := m.Attach(ctx, broken, x62Info); !errors.Is(err, usbio.ErrTransport) {
		t.Errorf("init failure = %v", err)
	}

	if _, err := m.Attach(ctx, x62Fake("KX1"), x62Info); err != nil {
		t.Fatal(err)
	}
	dup := x62Fake("KX1")
	if _, err := m.Attach(ctx, dup, x62Info); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate = %v", err)
	}
	if !dup.Closed() {
		t.Error("duplicate transport left open")
	}
}

func TestAttachModelAndFallbackID(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)
	dev, err := m.AttachModel(context.Background(), "x61", x61Fake(), usbio.DeviceInfo{Bus: 2, Address: 7})
	if err != nil {
		t.Fatal(err)
	}
	if dev.ID() != "usb-2-7" {
		t.Errorf("id = %s", dev.ID())
	}
	if dev.USB().Vendor != 0x2433 {
		t.Errorf("vendor = %04x", dev.USB().Vendor)
	}
	if _, err := m.AttachModel(context.Background(), "x99", usbiotest.New(), usbio.DeviceInfo{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("unknown model = %v", err)
	}
}

type fakeSource struct {
	mu    sync.Mutex
	infos []usbio.DeviceInfo
	fakes map[string]*usbiotest.Fake
	opens int
}

func (s *fakeSource) Enumerate() ([]usbio.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usbio.DeviceInfo(nil), s.infos...), nil
}

func (s *fakeSource) Open(info usbio.DeviceInfo) (usbio.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return s.fakes[portKey(info)], nil
}

func TestScanAttachesAndDetaches(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)
	x62 := x62Fake("KX1")
	src := &fakeSource{
		infos: []usbio.DeviceInfo{x62Info, x61Info},
		fakes: map[string]*usbiotest.Fake{portKey(x62Info): x62, portKey(x61Info): x61Fake()},
	}
	ctx := context.Background()

	if err := m.Scan(ctx, src); err != nil {
		t.Fatal(err)
	}
	list := m.List()
	if len(list) != 2 || list[0].ID() != "KX1" || list[1].ID() != "usb-1-4" {
		t.Fatalf("list = %v", list)
	}

	if err := m.Scan(ctx, src); err != nil {
		t.Fatal(err)
	}
	if src.opens != 2 {
		t.Errorf("opens = %d, attached devices were reopened", src.opens)
	}

	src.mu.Lock()
	src.infos = src.infos[1:]
	src.mu.Unlock()
	if err := m.Scan(ctx, src); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("KX1"); !errors.Is(err, ErrNotFound) {
		t.Error("unplugged device still attached")
	}
	if !x62.Closed() {
		t.Error("unplugged transport left open")
	}
	if len(m.List()) != 1 {
		t.Errorf("list = %v", m.List())
	}
}
