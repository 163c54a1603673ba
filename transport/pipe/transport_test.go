package pipe

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/3redronin/mu-server/transport"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type TransportTestSuite struct {
	suite.Suite

	transport *Transport
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func (s *TransportTestSuite) SetupTest() {
	s.transport = NewTransport(clock.New(), 0)
}

func (s *TransportTestSuite) TearDownTest() {
	goleak.VerifyNone(s.T())
}

func (s *TransportTestSuite) TestListen() {
	lis, err := s.transport.Listen(Addr{Name: "server", Port: 80})
	s.Require().NoError(err)
	defer lis.Close()

	s.Equal("server:80", lis.Addr().String())
	s.Equal("pipe", lis.Addr().Network())

	_, err = s.transport.Listen(Addr{Name: "server", Port: 80})
	s.ErrorIs(err, transport.ErrAddrAlreadyInUse)
}

func (s *TransportTestSuite) TestListenEphemeral() {
	lis, err := s.transport.Listen(Addr{Name: "server"})
	s.Require().NoError(err)
	defer lis.Close()

	s.NotZero(lis.Addr().(Addr).Port)
}

func (s *TransportTestSuite) TestDial() {
	lis, err := s.transport.Listen(Addr{Name: "server", Port: 80})
	s.Require().NoError(err)
	defer lis.Close()

	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		conn, err := lis.Accept(context.Background())
		s.NoError(err)
		defer conn.Close()

		_, err = conn.Write([]byte("hi"))
		s.NoError(err)
	}()

	conn, err := s.transport.Dial(context.Background(), "server:80")
	s.Require().NoError(err)

	s.Equal("server:80", conn.RemoteAddr().String())
	s.Contains(conn.LocalAddr().String(), "client:")

	got, err := io.ReadAll(conn)
	s.NoError(err)
	s.Equal("hi", string(got))
	<-accepted

	ports := s.transport.ports.InUse()
	s.NoError(conn.Close())
	s.Equal(ports-1, s.transport.ports.InUse())
}

func (s *TransportTestSuite) TestDialUnknown() {
	_, err := s.transport.Dial(context.Background(), "nowhere:1")
	s.ErrorIs(err, transport.ErrNetUnreachable)
}

func (s *TransportTestSuite) TestDialCancels() {
	lis, err := s.transport.Listen(Addr{Name: "server", Port: 80})
	s.Require().NoError(err)
	defer lis.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.transport.Dial(ctx, "server:80")
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(1, s.transport.ports.InUse())
}

func (s *TransportTestSuite) TestAcceptCancels() {
	lis, err := s.transport.Listen(Addr{Name: "server", Port: 80})
	s.Require().NoError(err)
	defer lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	conn, err := lis.Accept(ctx)
	s.Nil(conn)
	s.ErrorIs(err, context.Canceled)
}

func (s *TransportTestSuite) TestClose() {
	lis, err := s.transport.Listen(Addr{Name: "server", Port: 80})
	s.Require().NoError(err)

	s.Require().NoError(lis.Close())
	s.ErrorIs(lis.Close(), transport.ErrConnListenerClosed)

	_, err = lis.Accept(context.Background())
	s.ErrorIs(err, transport.ErrConnListenerClosed)

	_, err = s.transport.Dial(context.Background(), "server:80")
	s.ErrorIs(err, transport.ErrNetUnreachable)
	s.Zero(s.transport.ports.InUse())
}

func (s *TransportTestSuite) TestCloseUnblocksAccept() {
	lis, err := s.transport.Listen(Addr{Name: "server", Port: 80})
	s.Require().NoError(err)

	time.AfterFunc(20*time.Millisecond, func() { lis.Close() })

	_, err = lis.Accept(context.Background())
	s.ErrorIs(err, transport.ErrConnListenerClosed)
}
