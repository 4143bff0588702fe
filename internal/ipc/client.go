package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

// DefaultDialTimeout bounds connecting to the daemon.
const DefaultDialTimeout = 30 * time.Second

type reply struct {
	resp  Response
	files []*os.File
}

// Client is a management session with kilnd. Calls may be made from many
// goroutines; events are delivered on Events.
type Client struct {
	fc *frameConn

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan reply
	err     error

	events chan EventWithFiles
	done   chan struct{}
}

// EventWithFiles is a pushed event and the files it carried.
type EventWithFiles struct {
	Event
	Files []*os.File
}

// Dial opens a session with the daemon listening at socketPath.
func Dial(socketPath string) (*Client, error) {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	conn, err := net.DialTimeout("unix", socketPath, DefaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return NewClient(conn.(*net.UnixConn)), nil
}

// NewClient starts a session over an established connection.
func NewClient(conn *net.UnixConn) *Client {
	c := &Client{
		fc:      newFrameConn(conn),
		pending: make(map[uint64]chan reply),
		events:  make(chan EventWithFiles, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events delivers events of VMs the session registered callbacks for. It
// is closed when the session ends.
func (c *Client) Events() <-chan EventWithFiles {
	return c.events
}

// Close ends the session. The daemon releases every handle it held.
func (c *Client) Close() error {
	return c.fc.conn.Close()
}

// Done is closed once the session has ended and Events is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	var err error
	for {
		var frame []byte
		frame, err = c.fc.readFrame()
		if err != nil {
			break
		}
		var resp Response
		if err = json.Unmarshal(frame, &resp); err != nil {
			err = fmt.Errorf("decode response: %w", err)
			break
		}
		files := make([]*os.File, 0, resp.Files)
		for i := 0; i < resp.Files; i++ {
			f, ferr := c.fc.takeFile(fmt.Sprintf("kilnd-file-%d", i))
			if ferr != nil {
				break
			}
			files = append(files, f)
		}

		if resp.Event != nil {
			c.events <- EventWithFiles{Event: *resp.Event, Files: files}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			closeAll(files)
			continue
		}
		ch <- reply{resp: resp, files: files}
	}

	c.mu.Lock()
	c.err = fmt.Errorf("session closed: %w", err)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.fc.closeFiles()
}

// Call sends one request and waits for its response, decoding the result
// into result when non-nil. Files attached to the response are returned.
func (c *Client) Call(method string, params, result any, files ...*os.File) ([]*os.File, error) {
	req := Request{Method: method, Files: len(files)}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = data
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.fc.writeFrame(req, files...); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, err
	}

	r, ok := <-ch
	if !ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
	if err := r.resp.Err(); err != nil {
		closeAll(r.files)
		return nil, err
	}
	if result != nil && r.resp.Result != nil {
		if err := json.Unmarshal(r.resp.Result, result); err != nil {
			closeAll(r.files)
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return r.files, nil
}

func (c *Client) call(method string, params, result any, files ...*os.File) error {
	out, err := c.Call(method, params, result, files...)
	closeAll(out)
	return err
}

// CreateVM creates a VM held by this session. console and log may be nil.
func (c *Client) CreateVM(cfg *v1.VirtualMachineConfig, console, log *os.File) (uint32, error) {
	p := CreateVMParams{Config: cfg}
	var files []*os.File
	if console != nil {
		p.Console = true
		files = append(files, console)
	}
	if log != nil {
		p.Log = true
		files = append(files, log)
	}
	var res CIDResult
	if err := c.call(MethodCreateVM, p, &res, files...); err != nil {
		return 0, err
	}
	return res.CID, nil
}

// Start starts a VM held by this session.
func (c *Client) Start(cid uint32) error {
	return c.call(MethodStart, CIDParams{CID: cid}, nil)
}

// Stop kills a VM held by this session.
func (c *Client) Stop(cid uint32) error {
	return c.call(MethodStop, CIDParams{CID: cid}, nil)
}

// State returns the state of a VM held by this session.
func (c *Client) State(cid uint32) (v1.VirtualMachineState, error) {
	var res StateResult
	if err := c.call(MethodState, CIDParams{CID: cid}, &res); err != nil {
		return "", err
	}
	return res.State, nil
}

// Release drops the session's handle to a VM.
func (c *Client) Release(cid uint32) error {
	return c.call(MethodRelease, CIDParams{CID: cid}, nil)
}

// RegisterCallback subscribes the session to the VM's events.
func (c *Client) RegisterCallback(cid uint32) error {
	return c.call(MethodRegisterCallback, CIDParams{CID: cid}, nil)
}

// Connect opens a stream to port inside a running VM.
func (c *Client) Connect(cid, port uint32) (net.Conn, error) {
	files, err := c.Call(MethodConnect, ConnectParams{CID: cid, Port: port}, nil)
	if err != nil {
		return nil, err
	}
	if len(files) != 1 {
		closeAll(files)
		return nil, fmt.Errorf("connect returned %d files, want 1", len(files))
	}
	defer files[0].Close()
	conn, err := net.FileConn(files[0])
	if err != nil {
		return nil, fmt.Errorf("failed to wrap stream: %w", err)
	}
	return conn, nil
}

// InitializeWritablePartition formats image as an empty partition.
func (c *Client) InitializeWritablePartition(image *os.File, size int64, typ v1.PartitionType) error {
	return c.call(MethodInitializeWritablePartition, PartitionParams{Size: size, Type: typ}, nil, image)
}

// CreateOrUpdateSignatureFile writes the signature of input into out.
func (c *Client) CreateOrUpdateSignatureFile(input, out *os.File) error {
	return c.call(MethodCreateOrUpdateSignatureFile, nil, nil, input, out)
}

// ListVMs returns the debug listing of every VM.
func (c *Client) ListVMs() ([]v1.VirtualMachineDebugInfo, error) {
	var infos []v1.VirtualMachineDebugInfo
	if err := c.call(MethodListVMs, nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// DebugHoldRef keeps a VM held by this session alive after release.
func (c *Client) DebugHoldRef(cid uint32) error {
	return c.call(MethodDebugHoldRef, CIDParams{CID: cid}, nil)
}

// DebugDropRef moves the debug hold on a VM onto this session. It reports
// whether a hold existed.
func (c *Client) DebugDropRef(cid uint32) (bool, error) {
	var res DropResult
	if err := c.call(MethodDebugDropRef, CIDParams{CID: cid}, &res); err != nil {
		return false, err
	}
	return res.Found, nil
}

// Dump returns the daemon's VM dump.
func (c *Client) Dump() (string, error) {
	var res DumpResult
	if err := c.call(MethodDump, nil, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}
