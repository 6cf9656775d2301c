// Package transfer coordinates file staging between clients and the
// compute side (spec.md §4.4): registering transfers, streaming bytes in
// and out, and reference-counted disposal of the server-side bytes.
package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/isadenghien/soma-workflow/pkg/log"
	"github.com/isadenghien/soma-workflow/pkg/metrics"
	"github.com/isadenghien/soma-workflow/pkg/somaerr"
	"github.com/isadenghien/soma-workflow/pkg/store"
	"github.com/isadenghien/soma-workflow/pkg/types"
	"github.com/rs/zerolog"
)

// Info is the answer to an info(server_path) query.
type Info struct {
	ServerPath string
	ClientPath string
	Expiration time.Time
}

// Coordinator is the transfer coordinator: every operation is authenticated
// by user id and serialized through the store, so the reference counts
// backing GC safety are never observed in a torn state.
type Coordinator struct {
	store   store.Store
	baseDir string
	logger  zerolog.Logger
}

// New creates a Coordinator that stores server-side bytes under baseDir.
func New(st store.Store, baseDir string) *Coordinator {
	return &Coordinator{store: st, baseDir: baseDir, logger: log.WithComponent("transfer")}
}

// Register allocates a unique server-side path for one or more associated
// client paths (a set of associated files shares one server-side
// directory) and persists the transfer with its initial status.
func (c *Coordinator) Register(userID string, clientPaths []string, expiration time.Time, direction types.TransferDirection) (string, error) {
	if len(clientPaths) == 0 {
		return "", fmt.Errorf("transfer: register requires at least one client path")
	}

	serverPath := filepath.Join(c.baseDir, userID, uuid.NewString())
	isAssociated := len(clientPaths) > 1
	if isAssociated {
		if err := os.MkdirAll(serverPath, 0755); err != nil {
			return "", fmt.Errorf("transfer: create associated-file directory: %w", err)
		}
	} else if err := os.MkdirAll(filepath.Dir(serverPath), 0755); err != nil {
		return "", fmt.Errorf("transfer: create transfer directory: %w", err)
	}

	status := types.TransferOnClient
	if direction == types.DirectionOutput {
		status = types.TransferDoesNotExist
	}

	t := &types.Transfer{
		ServerPath:  serverPath,
		ClientPath:  clientPaths[0],
		ClientPaths: clientPaths,
		IsDirectory: isAssociated,
		Direction:   direction,
		Status:      status,
		ExpiresAt:   expiration,
	}
	if err := c.store.CreateTransfer(userID, t); err != nil {
		return "", err
	}

	c.logger.Debug().Str("server_path", serverPath).Str("direction", string(direction)).Msg("registered transfer")
	return serverPath, nil
}

// WriteChunk appends data to the allocated server-side file, transitioning
// ON_CLIENT -> TRANSFERRING on the first call. Writing into a transfer
// whose upload already completed is a transfer_conflict.
func (c *Coordinator) WriteChunk(userID, serverPath string, data []byte) error {
	t, err := c.store.GetTransfer(userID, serverPath)
	if err != nil {
		return err
	}
	switch t.Status {
	case types.TransferOnCompute, types.TransferReadyToTransferBack:
		return somaerr.New(somaerr.TransferConflict, "transfer %s is already on the compute side", serverPath)
	case types.TransferOnClient:
		t.Status = types.TransferTransferring
		if err := c.store.UpdateTransfer(userID, t); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(serverPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("transfer: open %s for write: %w", serverPath, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("transfer: write chunk: %w", err)
	}
	metrics.TransferBytesTotal.WithLabelValues("write").Add(float64(len(data)))
	return nil
}

// CloseWrite marks the transfer ON_COMPUTE once the client has closed its
// write stream.
func (c *Coordinator) CloseWrite(userID, serverPath string) error {
	t, err := c.store.GetTransfer(userID, serverPath)
	if err != nil {
		return err
	}
	t.Status = types.TransferOnCompute
	return c.store.UpdateTransfer(userID, t)
}

// ReadChunk streams the server-side file contents to w. Reading a transfer
// whose bytes never reached the compute side is a transfer_conflict.
func (c *Coordinator) ReadChunk(userID, serverPath string, w io.Writer) error {
	t, err := c.store.GetTransfer(userID, serverPath)
	if err != nil {
		return err
	}
	switch t.Status {
	case types.TransferDoesNotExist, types.TransferOnClient:
		return somaerr.New(somaerr.TransferConflict, "transfer %s has no server-side bytes to read", serverPath)
	}
	f, err := os.Open(serverPath)
	if err != nil {
		return fmt.Errorf("transfer: open %s for read: %w", serverPath, err)
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	metrics.TransferBytesTotal.WithLabelValues("read").Add(float64(n))
	return err
}

// Cancel marks expiration as now; the sweeper reclaims the bytes as soon
// as no live job still references the transfer.
func (c *Coordinator) Cancel(userID, serverPath string) error {
	t, err := c.store.GetTransfer(userID, serverPath)
	if err != nil {
		return err
	}
	t.ExpiresAt = time.Now()
	return c.store.UpdateTransfer(userID, t)
}

// Info answers an info(server_path) query.
func (c *Coordinator) Info(userID, serverPath string) (Info, error) {
	t, err := c.store.GetTransfer(userID, serverPath)
	if err != nil {
		return Info{}, err
	}
	return Info{ServerPath: t.ServerPath, ClientPath: t.ClientPath, Expiration: t.ExpiresAt}, nil
}

// AddJobReference records that jobID now holds a live reference to
// serverPath, acquired at submission time (spec.md §4.4 reference
// counting).
func (c *Coordinator) AddJobReference(jobID, serverPath string, direction types.TransferDirection) error {
	return c.store.AddJobTransferRef(jobID, serverPath, direction)
}

// ReleaseJobReferences drops every reference jobID held, input and output
// alike, called only when the job is disposed: a terminated job's
// transfers stay protected until the client has had its chance to
// retrieve them.
func (c *Coordinator) ReleaseJobReferences(jobID string) error {
	return c.store.RemoveJobTransferRefs(jobID)
}

// MarkOutputReady transitions an output transfer to READY_TO_TRANSFER_BACK
// once the job producing it has reached DONE; input transfers are left
// untouched.
func (c *Coordinator) MarkOutputReady(userID, serverPath string) error {
	t, err := c.store.GetTransfer(userID, serverPath)
	if err != nil {
		return err
	}
	if t.Direction != types.DirectionOutput {
		return nil
	}
	t.Status = types.TransferReadyToTransferBack
	return c.store.UpdateTransfer(userID, t)
}

// Sweep deletes the server-side bytes of every transfer whose expiration
// has passed and whose reference count is zero, returning how many it
// deleted.
func (c *Coordinator) Sweep(now time.Time) (int, error) {
	expired, err := c.store.ListExpiredTransfers(now)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, t := range expired {
		count, err := c.store.CountTransferRefs(t.ServerPath)
		if err != nil {
			c.logger.Warn().Err(err).Str("server_path", t.ServerPath).Msg("count transfer refs failed")
			continue
		}
		if count > 0 {
			continue
		}
		if err := os.RemoveAll(t.ServerPath); err != nil {
			c.logger.Warn().Err(err).Str("server_path", t.ServerPath).Msg("remove transfer bytes failed")
		}
		if err := c.store.DeleteTransfer(t.UserID, t.ServerPath); err != nil {
			c.logger.Warn().Err(err).Str("server_path", t.ServerPath).Msg("delete transfer record failed")
			continue
		}
		deleted++
	}
	return deleted, nil
}
