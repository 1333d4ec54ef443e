package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"darkpool/internal/book"
	"darkpool/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCore struct {
	books  *book.Set
	submit func(ctx context.Context, d *types.OrderDetail) (*types.Order, error)
	cancel func(ctx context.Context, req types.CancelRequest) (*types.Order, error)
}

func (c *fakeCore) Submit(ctx context.Context, d *types.OrderDetail) (*types.Order, error) {
	return c.submit(ctx, d)
}

func (c *fakeCore) Cancel(ctx context.Context, req types.CancelRequest) (*types.Order, error) {
	return c.cancel(ctx, req)
}

func (c *fakeCore) Books() *book.Set {
	return c.books
}

type fakeFeed struct {
	mu       sync.Mutex
	subs     []chan types.MatchEvent
	released int
}

func (f *fakeFeed) Subscribe() (<-chan types.MatchEvent, func()) {
	ch := make(chan types.MatchEvent, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}
}

func (f *fakeFeed) publish(evt types.MatchEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- evt
	}
}

// pipeClient wires a client to a server over an in-memory pipe.
func pipeClient(t *testing.T, core Core, feed MatchFeed) *Client {
	t.Helper()
	srv := NewServer(core, feed, quietLogger())
	clientSide, serverSide := net.Pipe()
	go srv.ServeConn(serverSide)
	t.Cleanup(srv.Close)

	c := NewClient(clientSide)
	t.Cleanup(func() { c.Close() })
	return c
}

func echoCore() *fakeCore {
	return &fakeCore{
		books: book.NewSet(),
		submit: func(_ context.Context, d *types.OrderDetail) (*types.Order, error) {
			return &types.Order{
				ID:           uuid.New(),
				OrderID:      d.OrderID,
				Owner:        d.Owner,
				Side:         d.Side,
				BaseToken:    d.BaseToken,
				QuoteToken:   d.QuoteToken,
				Quantity:     d.Quantity,
				Price:        d.Price,
				RemainingQty: d.Quantity,
				Status:       types.OrderRevealed,
			}, nil
		},
		cancel: func(_ context.Context, req types.CancelRequest) (*types.Order, error) {
			return &types.Order{ID: req.OrderID, Owner: req.Owner, Status: types.OrderCancelled}, nil
		},
	}
}

func TestSubmitOrderRoundTrip(t *testing.T) {
	t.Parallel()
	c := pipeClient(t, echoCore(), &fakeFeed{})

	order, err := c.SubmitOrder(context.Background(), &types.OrderDetail{
		OrderID: "42", Owner: "0xalice", Side: types.BUY,
		BaseToken: "WETH", QuoteToken: "USDC",
		Quantity: dec("10"), Price: dec("100"),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if order.Owner != "0xalice" || order.Status != types.OrderRevealed {
		t.Errorf("order = %+v", order)
	}
	if !order.RemainingQty.Equal(dec("10")) {
		t.Errorf("remaining = %s, want 10", order.RemainingQty)
	}
}

func TestErrorCodeRoundTrip(t *testing.T) {
	t.Parallel()
	core := echoCore()
	core.submit = func(context.Context, *types.OrderDetail) (*types.Order, error) {
		return nil, fmt.Errorf("hash does not match commitment: %w", types.ErrCommitmentMismatch)
	}
	core.cancel = func(context.Context, types.CancelRequest) (*types.Order, error) {
		return nil, types.ErrNotOwner
	}
	c := pipeClient(t, core, &fakeFeed{})

	_, err := c.SubmitOrder(context.Background(), &types.OrderDetail{})
	if !errors.Is(err, types.ErrCommitmentMismatch) {
		t.Errorf("submit err = %v, want ErrCommitmentMismatch", err)
	}

	_, err = c.CancelOrder(context.Background(), types.CancelRequest{OrderID: uuid.New(), Owner: "0xeve"})
	if !errors.Is(err, types.ErrNotOwner) {
		t.Errorf("cancel err = %v, want ErrNotOwner", err)
	}
}

func TestOrderBookSnapshot(t *testing.T) {
	t.Parallel()
	core := echoCore()
	b := core.books.Get("WETH", "USDC")
	for i, price := range []string{"101", "101", "102"} {
		b.Add(&types.Order{
			ID: uuid.New(), Side: types.SELL,
			BaseToken: "WETH", QuoteToken: "USDC",
			Price: dec(price), RemainingQty: dec("5"),
			Status: types.OrderRevealed, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
	}
	c := pipeClient(t, core, &fakeFeed{})

	snapshot, err := c.OrderBook(context.Background(), "WETH", "USDC", 10)
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if len(snapshot.Asks) != 2 {
		t.Fatalf("ask levels = %d, want 2", len(snapshot.Asks))
	}
	best := snapshot.Asks[0]
	if !best.Price.Equal(dec("101")) || !best.Quantity.Equal(dec("10")) || best.OrderCount != 2 {
		t.Errorf("best ask = %+v, want 10@101 across 2 orders", best)
	}
	if len(snapshot.Bids) != 0 {
		t.Errorf("bid levels = %d, want 0", len(snapshot.Bids))
	}
}

func TestOrderBookUnknownPairIsEmpty(t *testing.T) {
	t.Parallel()
	c := pipeClient(t, echoCore(), &fakeFeed{})

	snapshot, err := c.OrderBook(context.Background(), "WBTC", "USDC", 10)
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if len(snapshot.Bids) != 0 || len(snapshot.Asks) != 0 {
		t.Errorf("snapshot = %+v, want empty sides", snapshot)
	}
	if snapshot.BaseToken != "WBTC" {
		t.Errorf("base token = %q", snapshot.BaseToken)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	c := pipeClient(t, echoCore(), &fakeFeed{})
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestStreamMatchesPush(t *testing.T) {
	t.Parallel()
	feed := &fakeFeed{}
	c := pipeClient(t, echoCore(), feed)

	events, err := c.StreamMatches(context.Background())
	if err != nil {
		t.Fatalf("StreamMatches: %v", err)
	}

	first := types.MatchEvent{Match: types.Match{ID: uuid.New()}, BuyOwner: "0xalice", SellOwner: "0xbob"}
	second := types.MatchEvent{Match: types.Match{ID: uuid.New()}, BuyOwner: "0xcarol", SellOwner: "0xbob"}
	feed.publish(first)
	feed.publish(second)

	for i, want := range []types.MatchEvent{first, second} {
		select {
		case got := <-events:
			if got.Match.ID != want.Match.ID {
				t.Errorf("event %d = %s, want %s", i, got.Match.ID, want.Match.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestStreamReleasedOnDisconnect(t *testing.T) {
	t.Parallel()
	feed := &fakeFeed{}
	srv := NewServer(echoCore(), feed, quietLogger())
	clientSide, serverSide := net.Pipe()
	served := make(chan struct{})
	go func() {
		srv.ServeConn(serverSide)
		close(served)
	}()
	t.Cleanup(srv.Close)

	c := NewClient(clientSide)
	if _, err := c.StreamMatches(context.Background()); err != nil {
		t.Fatalf("StreamMatches: %v", err)
	}

	c.Close()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("connection handler did not exit")
	}

	feed.mu.Lock()
	defer feed.mu.Unlock()
	if feed.released != 1 {
		t.Errorf("subscription released %d times, want 1", feed.released)
	}
}

func TestSaturatedStreamUnwindsOnDisconnect(t *testing.T) {
	t.Parallel()
	feed := &fakeFeed{}
	srv := NewServer(echoCore(), feed, quietLogger())
	clientSide, serverSide := net.Pipe()
	served := make(chan struct{})
	go func() {
		srv.ServeConn(serverSide)
		close(served)
	}()
	t.Cleanup(srv.Close)

	// Open the stream by hand so we control exactly what gets read.
	if err := WriteFrame(clientSide, &Message{Type: TypeStreamMatches, ID: 1}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := ReadFrame(clientSide); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	// Flood the subscription while the peer reads nothing: the writer
	// blocks on the pipe and the push goroutine fills the outbound buffer.
	feed.mu.Lock()
	sub := feed.subs[0]
	feed.mu.Unlock()
	for i := 0; i < 200; i++ {
		select {
		case sub <- types.MatchEvent{Match: types.Match{ID: uuid.New()}}:
		default:
		}
		if i == 100 {
			time.Sleep(20 * time.Millisecond) // let the buffers saturate
		}
	}

	// Dropping the peer must unwind everything: writer, push goroutine,
	// read loop, and the feed subscription.
	clientSide.Close()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("connection handler leaked after peer dropped mid-stream")
	}

	feed.mu.Lock()
	defer feed.mu.Unlock()
	if feed.released != 1 {
		t.Errorf("subscription released %d times, want 1", feed.released)
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	t.Parallel()
	c := pipeClient(t, echoCore(), &fakeFeed{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := fmt.Sprintf("0xuser%02d", n)
			order, err := c.SubmitOrder(context.Background(), &types.OrderDetail{
				Owner: owner, Side: types.BUY,
				BaseToken: "WETH", QuoteToken: "USDC",
				Quantity: dec("1"), Price: dec("100"),
			})
			if err != nil {
				t.Errorf("SubmitOrder(%s): %v", owner, err)
				return
			}
			if order.Owner != owner {
				t.Errorf("response for %s carried owner %s", owner, order.Owner)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientCloseFailsPendingCall(t *testing.T) {
	t.Parallel()
	core := echoCore()
	core.submit = func(ctx context.Context, _ *types.OrderDetail) (*types.Order, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := pipeClient(t, core, &fakeFeed{})

	errs := make(chan error, 1)
	go func() {
		_, err := c.SubmitOrder(context.Background(), &types.OrderDetail{Owner: "0xalice"})
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, types.ErrUnreachable) {
			t.Errorf("err = %v, want ErrUnreachable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed")
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	t.Parallel()
	srv := NewServer(echoCore(), &fakeFeed{}, quietLogger())
	clientSide, serverSide := net.Pipe()
	go srv.ServeConn(serverSide)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { clientSide.Close() })

	if err := WriteFrame(clientSide, &Message{Type: "bogus", ID: 7}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msg, err := ReadFrame(clientSide)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msg.Type != TypeError || msg.ID != 7 {
		t.Errorf("reply = %+v, want error echoing id 7", msg)
	}
}
