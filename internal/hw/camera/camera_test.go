package camera

import (
	"errors"
	"testing"
	"time"
)

// recordingDevice records the parameter writes made by Apply.
type recordingDevice struct {
	*Simulated
	calls   []string
	gainErr error
}

func (d *recordingDevice) SetExposureTime(us float64) error {
	d.calls = append(d.calls, "exposure")
	return d.Simulated.SetExposureTime(us)
}

func (d *recordingDevice) SetGain(g float64) error {
	d.calls = append(d.calls, "gain")
	if d.gainErr != nil {
		return d.gainErr
	}
	return d.Simulated.SetGain(g)
}

func (d *recordingDevice) SetBufferHandlingMode(m BufferHandlingMode) error {
	d.calls = append(d.calls, "buffer")
	return d.Simulated.SetBufferHandlingMode(m)
}

func startSoftware(t *testing.T, cam *Simulated) {
	t.Helper()
	if err := cam.Init(); err != nil {
		t.Fatal(err)
	}
	node, _ := cam.TriggerNode()
	if err := node.SetMode(TriggerOff); err != nil {
		t.Fatal(err)
	}
	if err := node.SetSource(SourceSoftware); err != nil {
		t.Fatal(err)
	}
	if err := node.SetMode(TriggerOn); err != nil {
		t.Fatal(err)
	}
	if err := cam.BeginAcquisition(); err != nil {
		t.Fatal(err)
	}
}

func TestApply_OrderAndClamp(t *testing.T) {
	dev := &recordingDevice{Simulated: NewSimulated(SimulatedConfig{MaxExposureUs: 5000})}
	err := Apply(dev, Settings{ExposureUs: 20000, Gain: 3, BufferMode: OldestFirst})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []string{"exposure", "gain", "buffer"}
	if len(dev.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", dev.calls, want)
	}
	for i := range want {
		if dev.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, dev.calls[i], want[i])
		}
	}
	if dev.Exposure() != 5000 {
		t.Errorf("exposure = %v, want clamped 5000", dev.Exposure())
	}
	if dev.Simulated.Gain() != 3 {
		t.Errorf("gain = %v, want 3", dev.Simulated.Gain())
	}
}

func TestApply_NodeError(t *testing.T) {
	boom := errors.New("not writable")
	dev := &recordingDevice{Simulated: NewSimulated(SimulatedConfig{}), gainErr: boom}
	err := Apply(dev, Settings{ExposureUs: 1000})
	var nerr *NodeError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NodeError", err)
	}
	if nerr.Node != "Gain" {
		t.Errorf("node = %q, want Gain", nerr.Node)
	}
	if !errors.Is(err, boom) {
		t.Error("NodeError should unwrap to the device error")
	}
}

func TestSimulated_SoftwareTriggerDeliversPattern(t *testing.T) {
	cam := NewSimulated(SimulatedConfig{Serial: "A", Width: 4, Height: 2})
	startSoftware(t, cam)
	defer cam.EndAcquisition()

	if err := cam.ExecuteTrigger(); err != nil {
		t.Fatalf("ExecuteTrigger: %v", err)
	}
	img, err := cam.GetNextImage(time.Second)
	if err != nil {
		t.Fatalf("GetNextImage: %v", err)
	}
	if len(img.Data) != 8 {
		t.Fatalf("len(data) = %d, want 8", len(img.Data))
	}
	for i, b := range img.Data {
		if b != byte(i+1) {
			t.Fatalf("data[%d] = %d, want %d", i, b, i+1)
		}
	}
	if cam.Outstanding() != 1 {
		t.Errorf("outstanding = %d, want 1", cam.Outstanding())
	}
	img.Release()
	img.Release() // second release is a no-op
	if cam.Outstanding() != 0 {
		t.Errorf("outstanding after release = %d, want 0", cam.Outstanding())
	}
}

func TestSimulated_TimeoutWithoutTrigger(t *testing.T) {
	cam := NewSimulated(SimulatedConfig{})
	startSoftware(t, cam)
	defer cam.EndAcquisition()

	_, err := cam.GetNextImage(5 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestSimulated_InjectedFaults(t *testing.T) {
	cam := NewSimulated(SimulatedConfig{})
	cam.InjectFault(1, FaultIncomplete)
	cam.InjectFault(2, FaultTimeout)
	startSoftware(t, cam)
	defer cam.EndAcquisition()

	_ = cam.ExecuteTrigger()
	img, err := cam.GetNextImage(time.Second)
	if err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if !img.IsIncomplete() {
		t.Error("call 1 should be incomplete")
	}
	img.Release()

	if _, err := cam.GetNextImage(time.Second); !errors.Is(err, ErrTimeout) {
		t.Errorf("call 2 err = %v, want ErrTimeout", err)
	}
}

func TestSimulated_HardwareFreeRun(t *testing.T) {
	cam := NewSimulated(SimulatedConfig{FrameInterval: time.Millisecond})
	_ = cam.Init()
	node, _ := cam.TriggerNode()
	_ = node.SetSource(SourceLine0)
	_ = node.SetMode(TriggerOn)
	_ = cam.BeginAcquisition()
	defer cam.EndAcquisition()

	if err := cam.ExecuteTrigger(); err == nil {
		t.Error("software trigger should fail in hardware mode")
	}
	img, err := cam.GetNextImage(time.Second)
	if err != nil {
		t.Fatalf("GetNextImage: %v", err)
	}
	img.Release()
}

func TestSimulated_SourceReadOnlyWhileOn(t *testing.T) {
	cam := NewSimulated(SimulatedConfig{})
	node, _ := cam.TriggerNode()
	_ = node.SetMode(TriggerOn)
	if err := node.SetSource(SourceSoftware); err == nil {
		t.Error("SetSource should fail while TriggerMode is On")
	}
}

func TestSimulated_BeginRequiresInit(t *testing.T) {
	cam := NewSimulated(SimulatedConfig{})
	if err := cam.BeginAcquisition(); err == nil {
		t.Error("BeginAcquisition before Init should fail")
	}
	if _, err := cam.GetNextImage(time.Millisecond); !errors.Is(err, ErrNotAcquiring) {
		t.Errorf("err = %v, want ErrNotAcquiring", err)
	}
}

func TestSimulatedSystem_Serials(t *testing.T) {
	sys := NewSimulatedSystem(3, SimulatedConfig{})
	devs, err := sys.Devices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 3 {
		t.Fatalf("len = %d, want 3", len(devs))
	}
	sn, _ := devs[2].SerialNumber()
	if sn != "SIM0002" {
		t.Errorf("serial = %q, want SIM0002", sn)
	}
}

func TestParsePixelFormat(t *testing.T) {
	cases := []struct {
		in   string
		want PixelFormat
		bpp  int
	}{
		{"mono8", Mono8, 1},
		{"MONO16", Mono16, 2},
		{"rgb8", RGB8, 3},
		{"", Mono8, 1},
	}
	for _, tc := range cases {
		got, err := ParsePixelFormat(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if got != tc.want || got.BytesPerPixel() != tc.bpp {
			t.Errorf("%q = %v (%d bpp), want %v (%d bpp)", tc.in, got, got.BytesPerPixel(), tc.want, tc.bpp)
		}
	}
	if _, err := ParsePixelFormat("bayer"); err == nil {
		t.Error("expected error for unknown format")
	}
}
