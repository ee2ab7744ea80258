package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/parlox/pkg/audio"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// frameOf returns a 20 ms mono 16 kHz frame filled with amplitude.
func frameOf(amplitude int16) audio.AudioFrame {
	samples := make([]int16, 320)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.AudioFrame{Data: audio.Int16ToBytes(samples), SampleRate: 16000, Channels: 1}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS([]byte{1}); got != 0 {
		t.Errorf("RMS(1 byte) = %v, want 0", got)
	}
	got := audio.RMS(frameOf(16384).Data)
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS(half scale) = %v, want 0.5", got)
	}
}

func TestDBFS(t *testing.T) {
	t.Parallel()
	if got := audio.DBFS(0); got != -120 {
		t.Errorf("DBFS(0) = %v, want -120", got)
	}
	if got := audio.DBFS(1); got != 0 {
		t.Errorf("DBFS(1) = %v, want 0", got)
	}
}

func TestRollingBuffer_NeverExceedsWindow(t *testing.T) {
	t.Parallel()
	buf := audio.NewRollingBuffer(100 * time.Millisecond)
	for i := range 20 {
		buf.Push(frameOf(int16(i)))
		if buf.Duration() > buf.Window() {
			t.Fatalf("push %d: duration %v exceeds window %v", i, buf.Duration(), buf.Window())
		}
	}
	if buf.Len() != 5 {
		t.Errorf("Len = %d, want 5", buf.Len())
	}
	frames := buf.Frames()
	if got := frames[0].Samples()[0]; got != 15 {
		t.Errorf("oldest retained frame = %d, want 15", got)
	}
}

func TestRollingBuffer_SetWindowEvicts(t *testing.T) {
	t.Parallel()
	buf := audio.NewRollingBuffer(time.Second)
	for range 10 {
		buf.Push(frameOf(1))
	}
	buf.SetWindow(40 * time.Millisecond)
	if buf.Len() != 2 || buf.Duration() != 40*time.Millisecond {
		t.Errorf("after SetWindow: len=%d dur=%v", buf.Len(), buf.Duration())
	}
	buf.Reset()
	if buf.Len() != 0 || buf.Duration() != 0 {
		t.Errorf("after Reset: len=%d dur=%v", buf.Len(), buf.Duration())
	}
}

func TestWAV_RoundTrip(t *testing.T) {
	t.Parallel()
	in := audio.Int16ToBytes([]int16{0, 1000, -1000, 32767, -32768})
	data, err := audio.EncodeWAV(in, mono16k)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header: %q", data[:12])
	}
	out, format, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format != mono16k {
		t.Errorf("format = %s, want %s", format, mono16k)
	}
	if string(out) != string(in) {
		t.Errorf("samples = %v, want %v", audio.BytesToInt16(out), audio.BytesToInt16(in))
	}
}

func TestEncodeWAV_InvalidFormat(t *testing.T) {
	t.Parallel()
	if _, err := audio.EncodeWAV(nil, audio.Format{}); err == nil {
		t.Error("expected error for zero format")
	}
}

func TestDecodeWAV_Garbage(t *testing.T) {
	t.Parallel()
	if _, _, err := audio.DecodeWAV([]byte("definitely not a wav file")); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestParseSelector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    audio.Selector
		wantErr bool
	}{
		{in: "", want: audio.Selector{Kind: audio.SourceMicrophone}},
		{in: "USB Mic", want: audio.Selector{Kind: audio.SourceMicrophone, Device: "USB Mic"}},
		{in: "system", want: audio.Selector{Kind: audio.SourceSystem}},
		{in: "process:4242", want: audio.Selector{Kind: audio.SourceProcess, PID: 4242}},
		{in: "process:name=zoom", want: audio.Selector{Kind: audio.SourceProcess, ProcessName: "zoom"}},
		{in: "process:exclude-self", want: audio.Selector{Kind: audio.SourceProcess, ExcludeSelf: true}},
		{in: "process:abc", wantErr: true},
		{in: "process:name=", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := audio.ParseSelector(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIsVirtualName(t *testing.T) {
	t.Parallel()
	for name, want := range map[string]bool{
		"BlackHole 2ch":                  true,
		"CABLE Output (VB-Audio)":        true,
		"Monitor of Built-in Audio":      true,
		"MacBook Pro Speakers":           false,
		"Realtek High Definition Audio": false,
	} {
		if got := audio.IsVirtualName(name); got != want {
			t.Errorf("IsVirtualName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSourceBase_PauseDropsFrames(t *testing.T) {
	t.Parallel()
	src := audio.NewSourceBase(audio.CaptureInfo{Kind: audio.SourceMicrophone}, 4)

	src.Pause()
	if !src.Emit(frameOf(100)) {
		t.Fatal("Emit while paused returned false")
	}
	if got := len(src.Frames()); got != 0 {
		t.Fatalf("paused source delivered %d frames", got)
	}
	if src.Level() == 0 {
		t.Error("level not updated while paused")
	}

	src.Resume()
	src.Emit(frameOf(100))
	if got := len(src.Frames()); got != 1 {
		t.Fatalf("resumed source delivered %d frames, want 1", got)
	}
}

func TestSourceBase_FinishRecordsError(t *testing.T) {
	t.Parallel()
	src := audio.NewSourceBase(audio.CaptureInfo{}, 1)
	boom := errors.New("device unplugged")
	src.Finish(boom)
	src.Finish(nil)
	if _, ok := <-src.Frames(); ok {
		t.Fatal("frames channel still open")
	}
	if !errors.Is(src.Err(), boom) {
		t.Errorf("Err = %v, want %v", src.Err(), boom)
	}
}

func TestSourceBase_CloseUnblocksEmit(t *testing.T) {
	t.Parallel()
	src := audio.NewSourceBase(audio.CaptureInfo{}, 0)
	_ = src.Close()
	_ = src.Close()
	if src.Emit(frameOf(1)) {
		t.Error("Emit after Close returned true")
	}
}
