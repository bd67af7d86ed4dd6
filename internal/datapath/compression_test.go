package datapath

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/6ccg/ovpncore/pkg/config"
)

func Test_frame(t *testing.T) {
	tests := []struct {
		name     string
		compress config.Compression
		in       []byte
		want     []byte
	}{
		{"disabled", config.CompressionDisabled, []byte{0x45, 0x01, 0x02}, []byte{0x45, 0x01, 0x02}},
		{"stub swaps the first byte", config.CompressionStub, []byte{0x45, 0x01, 0x02}, []byte{0xfb, 0x01, 0x02, 0x45}},
		{"stub single byte", config.CompressionStub, []byte{0x45}, []byte{0xfb, 0x45}},
		{"empty compress prepends", config.CompressionEmpty, []byte{0x45, 0x01}, []byte{0xfa, 0x45, 0x01}},
		{"lzo-no prepends", config.CompressionLZONo, []byte{0x45, 0x01}, []byte{0xfa, 0x45, 0x01}},
		{"stub-v2 leaves ordinary packets", config.CompressionStubV2, []byte{0x45, 0x01}, []byte{0x45, 0x01}},
		{"stub-v2 escapes the indicator", config.CompressionStubV2, []byte{0x50, 0x01}, []byte{0x50, 0x00, 0x50, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := append([]byte{}, tt.in...)
			got := frame(in, tt.compress)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("frame() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.in, in); diff != "" {
				t.Errorf("frame() modified its input:\n%s", diff)
			}
			back, err := unframe(got, tt.compress)
			if err != nil {
				t.Fatalf("unframe() error = %v", err)
			}
			if diff := cmp.Diff(tt.in, back); diff != "" {
				t.Errorf("unframe() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_unframe_errors(t *testing.T) {
	tests := []struct {
		name     string
		compress config.Compression
		in       []byte
		wantErr  error
	}{
		{"lzo compressed", config.CompressionLZONo, []byte{0x66, 0x01}, ErrCompressionUnsupported},
		{"lz4 compressed", config.CompressionStub, []byte{0x69, 0x01}, ErrCompressionUnsupported},
		{"v2 with algorithm", config.CompressionStubV2, []byte{0x50, 0x01, 0x02}, ErrCompressionUnsupported},
		{"v2 truncated", config.CompressionStubV2, []byte{0x50}, ErrBadFraming},
		{"unknown byte", config.CompressionStub, []byte{0x01, 0x02}, ErrBadFraming},
		{"empty", config.CompressionEmpty, nil, ErrBadFraming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := unframe(tt.in, tt.compress); !errors.Is(err, tt.wantErr) {
				t.Errorf("unframe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMagic(t *testing.T) {
	if !IsPing(PingPayload()) {
		t.Error("PingPayload is not a ping")
	}
	if IsPing(PingPayload()[:15]) {
		t.Error("truncated ping should not match")
	}
	exit := ExitNotificationPayload()
	if len(exit) != 17 || exit[16] != 0x06 {
		t.Errorf("unexpected exit payload %x", exit)
	}
	if !IsExitNotification(exit) {
		t.Error("ExitNotificationPayload is not an exit notification")
	}
	exit[16] = 0x01
	if IsExitNotification(exit) {
		t.Error("other OCC messages should not match")
	}
}
