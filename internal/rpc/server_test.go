package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/fieldtrack/internal/session"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

type fakeStates struct {
	mu           sync.Mutex
	state        session.State
	subs         map[int]chan session.State
	next         int
	unsubscribed chan int
}

func newFakeStates() *fakeStates {
	return &fakeStates{
		state:        session.State{Status: session.StatusIdle, Warnings: []string{}},
		subs:         make(map[int]chan session.State),
		unsubscribed: make(chan int, 4),
	}
}

func (f *fakeStates) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStates) Subscribe() (int, <-chan session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	c := make(chan session.State, 1)
	c <- f.state
	f.subs[f.next] = c
	return f.next, c
}

func (f *fakeStates) Unsubscribe(id int) {
	f.mu.Lock()
	if c, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(c)
	}
	f.mu.Unlock()
	f.unsubscribed <- id
}

// publish replaces any unread state, like the manager does.
func (f *fakeStates) publish(st session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
	for _, c := range f.subs {
		select {
		case <-c:
		default:
		}
		c <- st
	}
}

func (f *fakeStates) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.subs {
		delete(f.subs, id)
		close(c)
	}
}

func startBufconn(t *testing.T, states States) (*Server, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(states)
	srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, NewClient(conn)
}

func TestGetState(t *testing.T) {
	states := newFakeStates()
	sess := tracking.Session{ID: "s1", EmployeeID: "emp-1", Status: tracking.SessionActive}
	states.state = session.State{Status: session.StatusActive, Session: &sess, DistanceKm: 2.5, Warnings: []string{"w"}}
	_, client := startBufconn(t, states)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := client.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	fields := msg.GetFields()
	if got := fields["status"].GetStringValue(); got != "active" {
		t.Errorf("status = %q, want active", got)
	}
	if got := fields["distance_km"].GetNumberValue(); got != 2.5 {
		t.Errorf("distance_km = %v, want 2.5", got)
	}
	if got := fields["session"].GetStructValue().GetFields()["id"].GetStringValue(); got != "s1" {
		t.Errorf("session.id = %q, want s1", got)
	}
	if got := len(fields["warnings"].GetListValue().GetValues()); got != 1 {
		t.Errorf("warnings = %d, want 1", got)
	}
}

func TestWatch(t *testing.T) {
	states := newFakeStates()
	srv, client := startBufconn(t, states)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got := first.GetFields()["status"].GetStringValue(); got != "idle" {
		t.Errorf("first status = %q, want idle", got)
	}

	states.publish(session.State{Status: session.StatusActive, DistanceKm: 0.4, Warnings: []string{}})
	next, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got := next.GetFields()["distance_km"].GetNumberValue(); got != 0.4 {
		t.Errorf("distance_km = %v, want 0.4", got)
	}
	if srv.Clients() != 1 {
		t.Errorf("clients = %d, want 1", srv.Clients())
	}

	cancel()
	select {
	case <-states.unsubscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not unsubscribe after the client cancelled")
	}
}

func TestWatch_FeedClosed(t *testing.T) {
	states := newFakeStates()
	_, client := startBufconn(t, states)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	states.closeAll()
	_, err = stream.Recv()
	if status.Code(err) != codes.Unavailable {
		t.Errorf("err = %v, want Unavailable", err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	srv := NewServer(newFakeStates())
	srv.Stop()

	if err := srv.ListenAndServe("127.0.0.1:0"); err != nil {
		t.Fatalf("ListenAndServe: %v", err)
	}
	srv.Stop()
	srv.Stop()
}

func TestListenAndServe_BadAddress(t *testing.T) {
	srv := NewServer(newFakeStates())
	if err := srv.ListenAndServe("256.0.0.1:bad"); err == nil {
		srv.Stop()
		t.Fatal("expected listen error")
	}
}
