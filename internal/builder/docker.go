// Package builder builds the release image against the local container
// daemon and pushes it to the configured registries.
package builder

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/build"
	"github.com/rs/zerolog"
)

// ImageBuildClient is the subset of the Docker client used to build images.
type ImageBuildClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
}

// Builder builds container images via the daemon API.
type Builder struct {
	client ImageBuildClient
}

// New creates a Builder.
func New(client ImageBuildClient) *Builder {
	return &Builder{client: client}
}

// Build tars the context directory and builds it with the given Dockerfile,
// tagging the result as localRef in the daemon. The daemon's streamed build
// output is logged; a build error in the stream fails the build.
func (b *Builder) Build(ctx context.Context, contextDir, dockerfile, localRef string) error {
	logger := zerolog.Ctx(ctx)

	logger.Info().
		Str("context", contextDir).
		Str("dockerfile", dockerfile).
		Str("image", localRef).
		Msg("building image")

	tarFile, err := os.CreateTemp("", "shipper-build-context-*.tar")
	if err != nil {
		return fmt.Errorf("failed to create build context tar: %w", err)
	}
	defer os.Remove(tarFile.Name())
	defer tarFile.Close()

	if err := tarDirectory(contextDir, tarFile); err != nil {
		return fmt.Errorf("failed to tar build context: %w", err)
	}
	if _, err := tarFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind build context tar: %w", err)
	}

	resp, err := b.client.ImageBuild(ctx, tarFile, build.ImageBuildOptions{
		Tags:       []string{localRef},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	if err := drainBuildOutput(resp.Body, logger); err != nil {
		return err
	}

	logger.Info().Str("image", localRef).Msg("build complete")
	return nil
}

// tarDirectory writes srcDir's contents as a tar stream.
func tarDirectory(srcDir string, writer io.Writer) error {
	tw := tar.NewWriter(writer)
	defer tw.Close()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}

		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("failed to copy file contents: %w", err)
		}
		return nil
	})
}

// drainBuildOutput decodes the daemon's JSON build stream, surfacing build
// errors with the daemon's error detail.
func drainBuildOutput(reader io.Reader, logger *zerolog.Logger) error {
	decoder := json.NewDecoder(reader)
	for {
		var line struct {
			Stream      string `json:"stream,omitempty"`
			Error       string `json:"error,omitempty"`
			ErrorDetail struct {
				Message string `json:"message,omitempty"`
			} `json:"errorDetail,omitempty"`
		}

		if err := decoder.Decode(&line); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to decode build output: %w", err)
		}

		if line.Error != "" {
			msg := line.ErrorDetail.Message
			if msg == "" {
				msg = line.Error
			}
			return fmt.Errorf("build failed: %s", msg)
		}

		if line.Stream != "" {
			logger.Debug().Str("output", line.Stream).Msg("build")
		}
	}
}
