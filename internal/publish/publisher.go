// Package publish turns a materialized workspace into the single
// authoritative commit of its fleet repository and force-pushes it to the
// remote default branch, replacing whatever history was there.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// ErrNothingToPublish signals an empty workspace snapshot.
var ErrNothingToPublish = errors.New("nothing to publish")

// Publisher commits a workspace as one snapshot and force-pushes it.
type Publisher struct {
	Branch      string
	AuthorName  string
	AuthorEmail string
	// Message is the commit message template; {name} is replaced with the
	// entry name.
	Message string
	Auth    transport.AuthMethod
	Timeout time.Duration
	// DryRun commits locally but skips the remote mutation.
	DryRun bool
	Logger *slog.Logger
}

// Publish snapshots workspaceDir into a single commit on the default branch
// and force-pushes it to remoteURL.
func (p *Publisher) Publish(ctx context.Context, workspaceDir, name, remoteURL string) error {
	repo, err := p.initRepo(workspaceDir)
	if err != nil {
		return err
	}

	hash, err := p.commitSnapshot(repo, name)
	if err != nil {
		return err
	}

	if err := p.setRemote(repo, remoteURL); err != nil {
		return err
	}

	if p.DryRun {
		p.Logger.Info("Dry run: skipping push",
			"name", name, "remote", remoteURL, "branch", p.Branch, "commit", hash.String())
		return nil
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	p.Logger.Info("Publishing snapshot",
		"name", name, "remote", remoteURL, "branch", p.Branch, "commit", hash.String())

	refspec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", p.Branch, p.Branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refspec},
		Force:      true,
		Auth:       p.Auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		p.Logger.Info("Remote already up to date", "name", name, "branch", p.Branch)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", name, err)
	}
	return nil
}

// initRepo initializes version control in the workspace, or opens it when
// the materialized content already carries a repository.
func (p *Publisher) initRepo(dir string) (*git.Repository, error) {
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(p.Branch),
		},
	})
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.PlainOpen(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open workspace repository: %w", err)
		}
		head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(p.Branch))
		if err := repo.Storer.SetReference(head); err != nil {
			return nil, fmt.Errorf("failed to select branch %s: %w", p.Branch, err)
		}
		return repo, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init workspace repository: %w", err)
	}
	return repo, nil
}

func (p *Publisher) commitSnapshot(repo *git.Repository, name string) (plumbing.Hash, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open worktree: %w", err)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to stage workspace: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		return plumbing.ZeroHash, ErrNothingToPublish
	}

	sig := &object.Signature{
		Name:  p.AuthorName,
		Email: p.AuthorEmail,
		When:  time.Now(),
	}
	hash, err := wt.Commit(strings.ReplaceAll(p.Message, "{name}", name), &git.CommitOptions{
		Author:    sig,
		Committer: sig,
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return hash, nil
}

// setRemote points origin at the provisioned repository, replacing any
// previous remote the workspace carried.
func (p *Publisher) setRemote(repo *git.Repository, remoteURL string) error {
	if err := repo.DeleteRemote("origin"); err != nil && !errors.Is(err, git.ErrRemoteNotFound) {
		return fmt.Errorf("failed to reset remote: %w", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{remoteURL},
	}); err != nil {
		return fmt.Errorf("failed to set remote: %w", err)
	}
	return nil
}
