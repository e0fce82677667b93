package activator

import (
	"fmt"
	"net"
	"net/rpc"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/mmilitzer/activation-host/internal/ipc"
	"github.com/mmilitzer/activation-host/internal/logging"
)

// Client is the notification-manager side of a registration: it locates the
// endpoint registered for a class id and invokes Activate on it.
type Client struct {
	conn    net.Conn
	session *yamux.Session
}

// Dial connects to the endpoint registered for clsid under dir.
func Dial(dir string, clsid uuid.UUID, timeout time.Duration) (*Client, error) {
	addr := Addr(dir, clsid)
	conn, err := ipc.Dial(addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("no activation endpoint registered for %s: %w", clsid, err)
	}

	session, err := yamux.Client(conn, yamuxConfig(logging.For("activator-client")))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &Client{conn: conn, session: session}, nil
}

// Activate calls the registered endpoint. Each call runs on its own stream,
// so concurrent calls do not queue behind each other.
func (c *Client) Activate(appUserModelID, invokedArgs string, data []UserInputData, dataCount uint32) error {
	stream, err := c.session.OpenStream()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	rc := rpc.NewClient(stream)
	defer rc.Close()

	args := &ActivateArgs{
		AppUserModelID: appUserModelID,
		InvokedArgs:    invokedArgs,
		Data:           data,
		DataCount:      dataCount,
	}
	if err := rc.Call(serviceName+".Activate", args, &ActivateReply{}); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.session.Close()
}
