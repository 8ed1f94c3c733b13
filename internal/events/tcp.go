package events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	rpcServiceName = "Broker"
	rpcCallTimeout = 60 * time.Second
	rpcDialTimeout = 30 * time.Second
)

var errBrokerStopped = errors.New("broker is shutting down")

type EventArgs struct {
	Envelope Envelope
}

type EventReply struct {
	Result Result
}

// rpcReceiver turns RPC calls into deliveries for the broker loop.
type rpcReceiver struct {
	ctx        context.Context
	deliveries chan<- Delivery
}

func (r *rpcReceiver) Event(args *EventArgs, reply *EventReply) error {
	res := make(chan Result, 1)
	select {
	case r.deliveries <- Delivery{Envelope: args.Envelope, Reply: res}:
	case <-r.ctx.Done():
		return errBrokerStopped
	}
	select {
	case reply.Result = <-res:
		return nil
	case <-r.ctx.Done():
		return errBrokerStopped
	}
}

// TCPServer accepts events from workers over net/rpc.
type TCPServer struct {
	ln         net.Listener
	s          *rpc.Server
	logger     *zap.Logger
	deliveries chan Delivery
	ctx        context.Context
	cancel     context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewTCPServer(addr string, logger *zap.Logger) (*TCPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %v: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serv := &TCPServer{
		ln:         ln,
		s:          rpc.NewServer(),
		logger:     logger.Named("tcp_broker"),
		deliveries: make(chan Delivery),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
	if err := serv.s.RegisterName(rpcServiceName, &rpcReceiver{ctx: ctx, deliveries: serv.deliveries}); err != nil {
		ln.Close()
		cancel()
		return nil, err
	}
	return serv, nil
}

func (serv *TCPServer) Addr() net.Addr {
	return serv.ln.Addr()
}

// Deliveries feeds Broker.Run.
func (serv *TCPServer) Deliveries() <-chan Delivery {
	return serv.deliveries
}

// Serve accepts connections until ctx is done.
func (serv *TCPServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		serv.Close()
	}()
	serv.logger.Info("serving broker", zap.Stringer("addr", serv.ln.Addr()))
	for {
		conn, err := serv.ln.Accept()
		if err != nil {
			if serv.ctx.Err() != nil {
				return nil
			}
			serv.logger.Error("failed to accept an rpc connection", zap.Error(err))
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetKeepAlive(true)
			tcp.SetKeepAlivePeriod(time.Minute)
		}
		serv.track(conn, true)
		go func() {
			serv.s.ServeConn(conn)
			serv.track(conn, false)
		}()
	}
}

func (serv *TCPServer) track(conn net.Conn, add bool) {
	serv.mu.Lock()
	defer serv.mu.Unlock()
	if add {
		serv.conns[conn] = struct{}{}
	} else {
		delete(serv.conns, conn)
	}
}

func (serv *TCPServer) Close() error {
	serv.cancel()
	err := serv.ln.Close()
	serv.mu.Lock()
	for conn := range serv.conns {
		conn.Close()
	}
	serv.mu.Unlock()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// TCPSender is the worker side of TCPServer.
type TCPSender struct {
	mu   sync.Mutex
	conn net.Conn
	c    *rpc.Client
}

// DialTCPSender connects to the broker, retrying until ctx is done.
func DialTCPSender(ctx context.Context, addr string) (*TCPSender, error) {
	dialer := net.Dialer{Timeout: rpcDialTimeout, KeepAlive: time.Minute}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return &TCPSender{conn: conn, c: rpc.NewClient(conn)}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to broker %v: %w", addr, err)
		case <-time.After(time.Second):
		}
	}
}

func (s *TCPSender) Send(ctx context.Context, env Envelope) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(rpcCallTimeout)
	}
	s.conn.SetDeadline(deadline)
	defer s.conn.SetDeadline(time.Time{})

	var reply EventReply
	if err := s.c.Call(rpcServiceName+".Event", &EventArgs{Envelope: env}, &reply); err != nil {
		return Handled, fmt.Errorf("failed to send %v event: %w", env.Kind, err)
	}
	return reply.Result, nil
}

func (s *TCPSender) Close() error {
	return s.c.Close()
}
