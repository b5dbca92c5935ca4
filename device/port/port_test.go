package port_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/uartbridge-go/device/port"
	"github.com/kabili207/uartbridge-go/device/port/porttest"
)

func newTestPort(t *testing.T, drv *porttest.Driver) *port.Port {
	t.Helper()
	p := port.New(port.Config{
		Name:         "UART 1",
		Channel:      1,
		Pins:         port.Pins{RX: 9, TX: 10},
		Driver:       drv,
		PollTimeout:  time.Millisecond,
		LockWait:     2 * time.Millisecond,
		IdleInterval: time.Millisecond,
		StopWait:     200 * time.Millisecond,
	})
	t.Cleanup(p.Shutdown)
	return p
}

func TestPort_InitIdempotent(t *testing.T) {
	drv := porttest.NewDriver()
	p := newTestPort(t, drv)

	if p.IsReady() {
		t.Fatal("port should not be ready before Init")
	}
	for i := 0; i < 3; i++ {
		if err := p.Init(); err != nil {
			t.Fatalf("Init #%d: %v", i, err)
		}
	}
	if !p.IsReady() {
		t.Error("port should be ready after Init")
	}
	if got := drv.InstallCount(1); got != 1 {
		t.Errorf("InstallCount = %d, want 1", got)
	}
}

func TestPort_InitSkipsInstalledDriver(t *testing.T) {
	drv := porttest.NewDriver()
	if err := drv.Install(1, port.Pins{}); err != nil {
		t.Fatal(err)
	}
	p := newTestPort(t, drv)
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := drv.InstallCount(1); got != 1 {
		t.Errorf("InstallCount = %d, want 1", got)
	}
}

func TestPort_InitFailureCanRetry(t *testing.T) {
	drv := porttest.NewDriver()
	drv.FailInstall(porttest.ErrInjected)
	p := newTestPort(t, drv)

	err := p.Init()
	if !errors.Is(err, port.ErrDriverInstall) {
		t.Fatalf("expected ErrDriverInstall, got %v", err)
	}
	if !errors.Is(err, porttest.ErrInjected) {
		t.Errorf("expected wrapped driver error, got %v", err)
	}
	if p.IsReady() {
		t.Error("port should not be ready after failed Init")
	}

	drv.FailInstall(nil)
	if err := p.Init(); err != nil {
		t.Fatalf("retry Init: %v", err)
	}
}

func TestPort_InitAfterShutdown(t *testing.T) {
	p := newTestPort(t, porttest.NewDriver())
	p.Shutdown()
	if err := p.Init(); !errors.Is(err, port.ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}

func TestPort_NotReady(t *testing.T) {
	p := newTestPort(t, porttest.NewDriver())

	if _, err := p.Read(context.Background(), make([]byte, 1), time.Millisecond); !errors.Is(err, port.ErrNotReady) {
		t.Errorf("Read: expected ErrNotReady, got %v", err)
	}
	if _, err := p.Write([]byte{1}); !errors.Is(err, port.ErrNotReady) {
		t.Errorf("Write: expected ErrNotReady, got %v", err)
	}
	if err := p.SetBaudRate(9600); !errors.Is(err, port.ErrNotReady) {
		t.Errorf("SetBaudRate: expected ErrNotReady, got %v", err)
	}
}

func TestPort_Read(t *testing.T) {
	tests := []struct {
		name    string
		chunks  [][]byte
		length  int
		want    []byte
		wantErr error
	}{
		{
			name:   "single chunk",
			chunks: [][]byte{[]byte("hello")},
			length: 5,
			want:   []byte("hello"),
		},
		{
			name:   "assembled from partial reads",
			chunks: [][]byte{[]byte("he"), []byte("ll"), []byte("o")},
			length: 5,
			want:   []byte("hello"),
		},
		{
			name:   "leaves surplus queued",
			chunks: [][]byte{[]byte("hello world")},
			length: 5,
			want:   []byte("hello"),
		},
		{
			name:    "timeout discards partial data",
			chunks:  [][]byte{[]byte("he")},
			length:  5,
			wantErr: port.ErrReadFailed,
		},
		{
			name:    "nothing available",
			length:  1,
			wantErr: port.ErrReadFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := porttest.NewDriver()
			p := newTestPort(t, drv)
			if err := p.Init(); err != nil {
				t.Fatal(err)
			}
			for _, c := range tt.chunks {
				drv.Feed(1, c)
			}

			buf := make([]byte, tt.length)
			n, err := p.Read(context.Background(), buf, time.Millisecond)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if n != 0 {
					t.Errorf("n = %d, want 0 on failure", n)
				}
				if got := p.Counters().ReadFailures.Load(); got != 1 {
					t.Errorf("ReadFailures = %d, want 1", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !bytes.Equal(buf[:n], tt.want) {
				t.Errorf("Read = %q, want %q", buf[:n], tt.want)
			}
		})
	}
}

func TestPort_ReadContextCancelled(t *testing.T) {
	drv := porttest.NewDriver()
	p := newTestPort(t, drv)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Read(ctx, make([]byte, 4), time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPort_Write(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		data      []byte
		wantN     int
		wantFails uint32
	}{
		{"full write", 0, []byte("AB"), 2, 0},
		{"short write", 3, []byte("ABCDEF"), 3, 1},
		{"empty write", 0, []byte{}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := porttest.NewDriver()
			drv.LimitWrites(tt.limit)
			p := newTestPort(t, drv)
			if err := p.Init(); err != nil {
				t.Fatal(err)
			}

			n, err := p.Write(tt.data)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if n != tt.wantN {
				t.Errorf("n = %d, want %d", n, tt.wantN)
			}
			if got := drv.Written(1); !bytes.Equal(got, tt.data[:tt.wantN]) {
				t.Errorf("written = %q, want %q", got, tt.data[:tt.wantN])
			}
			if got := p.Counters().WriteFailures.Load(); got != tt.wantFails {
				t.Errorf("WriteFailures = %d, want %d", got, tt.wantFails)
			}
			if got := p.Counters().BytesWritten.Load(); got != uint64(tt.wantN) {
				t.Errorf("BytesWritten = %d, want %d", got, tt.wantN)
			}
		})
	}
}

func TestPort_WriteError(t *testing.T) {
	drv := porttest.NewDriver()
	drv.FailWrites(porttest.ErrInjected)
	p := newTestPort(t, drv)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write([]byte("x")); !errors.Is(err, port.ErrWriteFailed) {
		t.Errorf("expected ErrWriteFailed, got %v", err)
	}
}

func TestPort_Setters(t *testing.T) {
	drv := porttest.NewDriver()
	p := newTestPort(t, drv)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}

	if err := p.SetBaudRate(9600); err != nil {
		t.Errorf("SetBaudRate: %v", err)
	}
	if err := p.SetDataBits(7); err != nil {
		t.Errorf("SetDataBits: %v", err)
	}
	if err := p.SetParity(port.ParityEven); err != nil {
		t.Errorf("SetParity: %v", err)
	}
	if err := p.SetStopBits(port.StopBitsTwo); err != nil {
		t.Errorf("SetStopBits: %v", err)
	}
	if err := p.SetModemBits(true, false); err != nil {
		t.Errorf("SetModemBits: %v", err)
	}

	want := porttest.Settings{
		BaudRate: 9600,
		DataBits: 7,
		Parity:   port.ParityEven,
		StopBits: port.StopBitsTwo,
		RTS:      true,
	}
	if got := drv.Settings(1); got != want {
		t.Errorf("Settings = %+v, want %+v", got, want)
	}
}

func TestPort_SetterValidation(t *testing.T) {
	drv := porttest.NewDriver()
	p := newTestPort(t, drv)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"zero baud", func() error { return p.SetBaudRate(0) }, port.ErrInvalidBaudRate},
		{"4 data bits", func() error { return p.SetDataBits(4) }, port.ErrInvalidDataBits},
		{"9 data bits", func() error { return p.SetDataBits(9) }, port.ErrInvalidDataBits},
		{"parity 5", func() error { return p.SetParity(port.Parity(5)) }, port.ErrInvalidParity},
		{"stop bits 2", func() error { return p.SetStopBits(port.StopBits(2)) }, port.ErrInvalidStopBits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	// Nothing reached the hardware.
	if got := drv.Settings(1); got.BaudRate != 115200 || got.DataBits != 8 {
		t.Errorf("settings changed by rejected calls: %+v", got)
	}
}

func TestPort_SetterDriverFailure(t *testing.T) {
	drv := porttest.NewDriver()
	drv.FailOn(porttest.SettingParity, porttest.ErrInjected)
	p := newTestPort(t, drv)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}
	if err := p.SetParity(port.ParityOdd); !errors.Is(err, porttest.ErrInjected) {
		t.Errorf("expected driver error, got %v", err)
	}
}

// collector gathers frames delivered by the continuous read loop.
type collector struct {
	mu     sync.Mutex
	frames [][]byte
	got    chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.mu.Lock()
	c.frames = append(c.frames, cp)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for continuous read data")
	}
}

func (c *collector) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func TestPort_ContinuousRead(t *testing.T) {
	drv := porttest.NewDriver()
	p := newTestPort(t, drv)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}

	c := newCollector()
	p.SetOnDataCallback(c.handle)
	p.StartContinuousRead()
	if !p.IsContinuous() {
		t.Fatal("IsContinuous should be true")
	}

	drv.Feed(1, []byte("AB"))
	c.wait(t)

	frames := c.all()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	frame := frames[0]
	if len(frame) != port.ReservedHeadroom+2 {
		t.Fatalf("frame length = %d, want %d", len(frame), port.ReservedHeadroom+2)
	}
	if string(frame[port.ReservedHeadroom:]) != "AB" {
		t.Errorf("frame data = %q, want AB", frame[port.ReservedHeadroom:])
	}
	if got := p.Counters().AsyncBytes.Load(); got != 2 {
		t.Errorf("AsyncBytes = %d, want 2", got)
	}
}

func TestPort_ContinuousReadChunking(t *testing.T) {
	drv := porttest.NewDriver()
	p := port.New(port.Config{
		Name:           "UART 0",
		Channel:        1,
		Driver:         drv,
		ReadBufferSize: 5,
		PollTimeout:    time.Millisecond,
		LockWait:       2 * time.Millisecond,
		IdleInterval:   time.Millisecond,
	})
	t.Cleanup(p.Shutdown)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}

	c := newCollector()
	p.SetOnDataCallback(c.handle)
	drv.Feed(1, []byte("abcdefghij"))
	p.StartContinuousRead()

	deadline := time.After(time.Second)
	var joined []byte
	for len(joined) < 10 {
		select {
		case <-c.got:
		case <-deadline:
			t.Fatalf("timed out, got %q", joined)
		}
		joined = joined[:0]
		for _, f := range c.all() {
			if len(f)-port.ReservedHeadroom > 4 {
				t.Fatalf("frame carries %d bytes, buffer allows 4", len(f)-port.ReservedHeadroom)
			}
			joined = append(joined, f[port.ReservedHeadroom:]...)
		}
	}
	if string(joined) != "abcdefghij" {
		t.Errorf("joined data = %q", joined)
	}
}

func TestPort_StopContinuousRead(t *testing.T) {
	drv := porttest.NewDriver()
	p := newTestPort(t, drv)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}

	c := newCollector()
	p.SetOnDataCallback(c.handle)
	p.StartContinuousRead()
	time.Sleep(5 * time.Millisecond)
	p.StopContinuousRead()

	if p.IsContinuous() {
		t.Fatal("IsContinuous should be false")
	}

	// Data arriving after stop stays queued for a foreground read.
	drv.Feed(1, []byte("xyz"))
	time.Sleep(10 * time.Millisecond)
	if n := len(c.all()); n != 0 {
		t.Errorf("handler called %d times after stop", n)
	}

	buf := make([]byte, 3)
	if _, err := p.Read(context.Background(), buf, time.Millisecond); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "xyz" {
		t.Errorf("Read = %q, want xyz", buf)
	}
}

func TestPort_ForegroundAndBackgroundDoNotOverlap(t *testing.T) {
	drv := porttest.NewDriver()
	p := newTestPort(t, drv)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}
	p.SetOnDataCallback(func([]byte) {})
	p.StartContinuousRead()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = p.Write([]byte{byte(j)})
				_ = p.SetBaudRate(9600)
			}
		}()
	}
	wg.Wait()
	p.StopContinuousRead()

	if n := drv.Overlaps(); n != 0 {
		t.Errorf("observed %d overlapping hardware calls", n)
	}
}

func TestPort_Shutdown(t *testing.T) {
	p := newTestPort(t, porttest.NewDriver())
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}
	p.StartContinuousRead()

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		p.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return")
	}
}
