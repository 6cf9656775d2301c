// Package resolver turns the symbolic CommandTokens inside a Job's command
// and stdio fields into the concrete, compute-side strings a DRM template
// needs (spec.md §4.3). It is the only component that reads the site
// translation table.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/isadenghien/soma-workflow/pkg/log"
	"github.com/isadenghien/soma-workflow/pkg/somaerr"
	"github.com/isadenghien/soma-workflow/pkg/store"
	"github.com/isadenghien/soma-workflow/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Translation maps a SharedResourcePath namespace to the base directory it
// resolves under at this site. It is the one piece of "configuration" in
// scope for this repository (spec.md §4.3): everything else about daemon
// config stays out of scope.
type Translation map[string]string

// LoadTranslation reads the namespace -> base directory table from a YAML
// file, e.g.:
//
//	brainvisa: /data/shared/brainvisa
//	analysis:  /data/shared/analysis
func LoadTranslation(path string) (Translation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: read translation table: %w", err)
	}
	var t Translation
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("resolver: parse translation table: %w", err)
	}
	return t, nil
}

// Resolver resolves a job's symbolic paths against the store and the site
// translation table. It is the only writer of TemporaryPath.ConcretePath.
type Resolver struct {
	store       store.Store
	translation Translation
	tempBaseDir string
	logger      zerolog.Logger
}

// New builds a Resolver. tempBaseDir is where lazily-allocated temporary
// paths are created.
func New(st store.Store, translation Translation, tempBaseDir string) *Resolver {
	return &Resolver{
		store:       st,
		translation: translation,
		tempBaseDir: tempBaseDir,
		logger:      log.WithComponent("resolver"),
	}
}

// Resolve builds the fully-concrete Template a DRM adapter can submit for
// job, on behalf of userID.
func (r *Resolver) Resolve(userID string, job *types.Job) (types.Template, error) {
	cmd := make([]string, 0, len(job.Command))
	for _, tok := range job.Command {
		s, err := r.resolveToken(userID, tok, false)
		if err != nil {
			return types.Template{}, err
		}
		cmd = append(cmd, s)
	}

	tmpl := types.Template{
		JobID:      job.ID,
		Command:    cmd,
		JoinStderr: job.JoinStderrToStdout,
		NativeSpec: job.NativeSpecification,
		Parallel:   job.Parallel,
	}

	if !job.WorkingDir.IsZero() {
		wd, err := r.resolveToken(userID, job.WorkingDir, false)
		if err != nil {
			return types.Template{}, err
		}
		tmpl.WorkingDir = wd
	}
	if !job.Stdin.IsZero() {
		in, err := r.resolveToken(userID, job.Stdin, false)
		if err != nil {
			return types.Template{}, err
		}
		tmpl.StdinFile = in
	}
	if !job.StdoutTarget.IsZero() {
		out, err := r.resolveWritableToken(userID, job.StdoutTarget)
		if err != nil {
			return types.Template{}, err
		}
		tmpl.StdoutFile = out
	}
	if !job.JoinStderrToStdout && !job.StderrTarget.IsZero() {
		errPath, err := r.resolveWritableToken(userID, job.StderrTarget)
		if err != nil {
			return types.Template{}, err
		}
		tmpl.StderrFile = errPath
	}

	return tmpl, nil
}

// resolveWritableToken resolves tok the way a stdout/stderr redirection
// target is used: the transfer backing it is expected to still be
// DOES_NOT_EXIST at submission time (the job itself is what will produce
// the bytes), so that status never fails resolution here.
func (r *Resolver) resolveWritableToken(userID string, tok types.CommandToken) (string, error) {
	return r.resolveToken(userID, tok, true)
}

// resolveToken resolves tok to its concrete string form. allowMissing is
// true only when tok is used in a writing position (a stdout/stderr
// redirection target); everywhere else — command arguments, stdin, working
// directory — a transfer still DOES_NOT_EXIST is a reading-position error
// (spec.md §4.3).
func (r *Resolver) resolveToken(userID string, tok types.CommandToken, allowMissing bool) (string, error) {
	switch tok.Kind {
	case types.TokenLiteral, "":
		return tok.Literal, nil

	case types.TokenTransfer:
		return r.resolveTransfer(userID, tok.RefID, allowMissing)

	case types.TokenShared:
		return r.resolveShared(userID, tok.RefID)

	case types.TokenTemp:
		return r.resolveTemp(userID, tok.RefID)

	case types.TokenOption:
		op, err := r.store.GetOptionPath(userID, tok.RefID)
		if err != nil {
			return "", err
		}
		parent, err := r.resolveToken(userID, op.Parent, allowMissing)
		if err != nil {
			return "", err
		}
		return parent + op.URI, nil

	case types.TokenPair:
		dir, err := r.resolveTransferDir(userID, tok.RefID, allowMissing)
		if err != nil {
			return "", err
		}
		return dir + "/" + tok.Relative, nil

	case types.TokenSeq:
		parts := make([]string, 0, len(tok.Seq))
		for _, sub := range tok.Seq {
			s, err := r.resolveToken(userID, sub, allowMissing)
			if err != nil {
				return "", err
			}
			parts = append(parts, "'"+s+"'")
		}
		return "[" + strings.Join(parts, ", ") + "]", nil

	default:
		return "", somaerr.New(somaerr.InvalidArgument, "unknown command token kind %q", tok.Kind)
	}
}

func (r *Resolver) resolveTransfer(userID, transferID string, allowMissing bool) (string, error) {
	t, err := r.store.GetTransfer(userID, transferID)
	if err != nil {
		return "", err
	}
	if t.Status == types.TransferDoesNotExist && !allowMissing {
		return "", somaerr.New(somaerr.InvalidArgument, "transfer %s does not exist yet", transferID)
	}
	return t.ServerPath, nil
}

// resolveTransferDir resolves concrete_dir(transfer) for the (transfer,
// relative_path) pair rule of spec.md §4.3: the directory a job's relative
// path is joined against. For a directory/associated-files transfer that
// is ServerPath itself; for a single-file transfer it is ServerPath's
// parent directory.
func (r *Resolver) resolveTransferDir(userID, transferID string, allowMissing bool) (string, error) {
	t, err := r.store.GetTransfer(userID, transferID)
	if err != nil {
		return "", err
	}
	if t.Status == types.TransferDoesNotExist && !allowMissing {
		return "", somaerr.New(somaerr.InvalidArgument, "transfer %s does not exist yet", transferID)
	}
	return t.ConcreteDir(), nil
}

func (r *Resolver) resolveShared(userID, id string) (string, error) {
	srp, err := r.store.GetSharedResourcePath(userID, id)
	if err != nil {
		return "", err
	}
	base, ok := r.translation[srp.Namespace]
	if !ok {
		return "", somaerr.New(somaerr.ConfigurationError, "no site translation entry for namespace %q", srp.Namespace)
	}
	return filepath.Join(base, srp.RelativePath), nil
}

// resolveTemp allocates the temporary's concrete name on first resolution
// and reuses it on every later one (spec.md §3 TemporaryPath).
func (r *Resolver) resolveTemp(userID, id string) (string, error) {
	tp, err := r.store.GetTemporaryPath(userID, id)
	if err != nil {
		return "", err
	}
	if tp.ConcretePath != "" {
		return tp.ConcretePath, nil
	}

	name := "soma-" + uuid.NewString() + tp.Suffix
	concrete := filepath.Join(r.tempBaseDir, name)

	if tp.IsDirectory {
		if err := os.MkdirAll(concrete, 0755); err != nil {
			return "", fmt.Errorf("resolver: create temporary directory: %w", err)
		}
	} else if err := os.MkdirAll(r.tempBaseDir, 0755); err != nil {
		return "", fmt.Errorf("resolver: create scratch directory: %w", err)
	}

	if err := r.store.AllocateTemporaryPath(userID, id, concrete); err != nil {
		return "", err
	}

	r.logger.Debug().Str("temp_id", id).Str("path", concrete).Msg("allocated temporary path")
	return concrete, nil
}
