package discovery

import (
	"net"
	"reflect"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestPortFromAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "0.0.0.0:8080", want: 8080},
		{in: ":3000", want: 3000},
		{in: "[::]:9090", want: 9090},
		{in: "localhost", wantErr: true},
		{in: "host:0", wantErr: true},
		{in: "host:http", wantErr: true},
		{in: "host:70000", wantErr: true},
	}
	for _, tc := range cases {
		got, err := portFromAddr(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("portFromAddr(%q) err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("portFromAddr(%q)=%d want %d", tc.in, got, tc.want)
		}
	}
}

func TestServiceTXT(t *testing.T) {
	t.Parallel()

	got := serviceTXT("b-1", "")
	want := []string{"proto=whiteboard.v1", "ws_path=/ws", "board_id=b-1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("serviceTXT=%v want %v", got, want)
	}
}

func TestFoundFromEntry(t *testing.T) {
	t.Parallel()

	if _, ok := foundFromEntry(&mdns.ServiceEntry{Port: 8080}); ok {
		t.Fatalf("entry without address must be skipped")
	}

	e := &mdns.ServiceEntry{
		Name:       "laptop._whiteboard._tcp.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       8080,
		InfoFields: []string{"proto=whiteboard.v1", "ws_path=/board/ws", "board_id=b-9", "junk"},
	}
	f, ok := foundFromEntry(e)
	if !ok {
		t.Fatalf("valid entry skipped")
	}
	want := Found{Instance: e.Name, Addr: "192.168.1.20:8080", BoardID: "b-9", WSPath: "/board/ws"}
	if f != want {
		t.Fatalf("found=%+v want %+v", f, want)
	}
}
