package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/subosito/gotenv"

	"github.com/beliaevvc/reskinlab-sub002/internal/repo"
)

const (
	EnvDefaultProject       = "RESKIN_DEFAULT_PROJECT"
	EnvDefaultSpecification = "RESKIN_DEFAULT_SPECIFICATION"
)

// Session is the per-workspace selection persisted in <workspace>/.env.
type Session struct {
	ProjectID       string
	SpecificationID string
}

func envPath(workspace string) string {
	return filepath.Join(workspace, ".env")
}

func readEnv(workspace string) (gotenv.Env, error) {
	env, err := gotenv.Read(envPath(workspace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return gotenv.Env{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", envPath(workspace), err)
	}
	return env, nil
}

// LoadSession reads the session; a missing .env yields an empty one.
func LoadSession(workspace string) (Session, error) {
	env, err := readEnv(workspace)
	if err != nil {
		return Session{}, err
	}
	return Session{
		ProjectID:       env[EnvDefaultProject],
		SpecificationID: env[EnvDefaultSpecification],
	}, nil
}

// SaveSession writes non-empty fields into .env, keeping unrelated keys.
func SaveSession(workspace string, s Session) error {
	env, err := readEnv(workspace)
	if err != nil {
		return err
	}
	if s.ProjectID != "" {
		env[EnvDefaultProject] = s.ProjectID
	}
	if s.SpecificationID != "" {
		env[EnvDefaultSpecification] = s.SpecificationID
	}
	return gotenv.Write(env, envPath(workspace))
}

// ResetSession removes both session keys from .env.
func ResetSession(workspace string) error {
	env, err := readEnv(workspace)
	if err != nil {
		return err
	}
	delete(env, EnvDefaultProject)
	delete(env, EnvDefaultSpecification)
	return gotenv.Write(env, envPath(workspace))
}

// ResolveProject picks the active project: override, then the session, then the only project in the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, workspace, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	s, err := LoadSession(workspace)
	if err != nil {
		return "", err
	}
	if s.ProjectID != "" {
		return s.ProjectID, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("project not specified; use --project or set %s (rl use <id>)", EnvDefaultProject)
		}
		return "", err
	}
	return p.ID, nil
}

// ResolveSpecification returns override or the session's specification.
func ResolveSpecification(workspace, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	s, err := LoadSession(workspace)
	if err != nil {
		return "", err
	}
	if s.SpecificationID == "" {
		return "", fmt.Errorf("specification not specified; pass an id or set %s (rl use --spec <id>)", EnvDefaultSpecification)
	}
	return s.SpecificationID, nil
}
