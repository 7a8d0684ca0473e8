package mcpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/afero"

	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/usecase/artifacts"
)

const serverName = "forecast-storage"

// Server exposes the coordinator as MCP tools.
type Server struct {
	coordinator *artifacts.Coordinator
	fs          afero.Fs
	server      *mcp.Server
}

// New registers every tool on a fresh MCP server. fsys is where
// upload_forecast reads audio_file_path from; a nil fsys disables
// audio_file_path.
func New(coordinator *artifacts.Coordinator, fsys afero.Fs, version string) (*Server, error) {
	if coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{
		coordinator: coordinator,
		fs:          fsys,
		server:      mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil),
	}
	s.registerTools()
	return s, nil
}

// JailedFs is a read-only view of root. Paths resolve inside root, so
// absolute paths and ".." cannot reach the rest of the host filesystem.
func JailedFs(root string) afero.Fs {
	return afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))
}

// MCP returns the underlying server, mostly for in-process sessions.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// RunStdio serves a single client over stdin/stdout until ctx ends or the
// client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "transport.mcp"))
	logging.Info(logCtx, "mcp server listening on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves the same tools over streamable HTTP.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}
