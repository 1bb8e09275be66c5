//go:build linux || darwin

package unix

import (
	"syscall"
	"testing"
)

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    syscall.Signal
		wantErr bool
	}{
		{"SIGTERM", syscall.SIGTERM, false},
		{"TERM", syscall.SIGTERM, false},
		{"kill", syscall.SIGKILL, false},
		{" SIGINT ", syscall.SIGINT, false},
		{"9", syscall.SIGKILL, false},
		{"", 0, true},
		{"-1", 0, true},
		{"SIGNOPE", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSignal(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSignal(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSignal(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSignalName(t *testing.T) {
	if got := SignalName(syscall.SIGTERM); got != "SIGTERM" {
		t.Errorf("SignalName(SIGTERM) = %q", got)
	}
}

func TestSocketpair(t *testing.T) {
	parent, child, err := Socketpair("test")
	if err != nil {
		t.Fatal(err)
	}
	defer parent.Close()
	defer child.Close()

	if _, err := child.Write([]byte("ping\n")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	n, err := parent.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping\n" {
		t.Errorf("read %q, want %q", buf[:n], "ping\n")
	}
}
