package server

import (
	"net/http"

	"github.com/ternarybob/lumen/internal/handlers"
)

// setupRoutes builds the route table from the app's components
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	a := s.app

	apiHandler := handlers.NewAPIHandler(a.Engine, a.Registry, a.Jobs, a.Logger)
	generateHandler := handlers.NewGenerateHandler(a.Config, a.Workflows, a.Engine, a.Resolver, a.Registry, a.Jobs, a.Logger)
	resultHandler := handlers.NewResultHandler(a.Config, a.Resolver, a.Registry, a.Jobs, a.Logger)
	progressHandler := handlers.NewProgressHandler(a.Registry, a.Jobs, a.Logger)
	uploadHandler := handlers.NewUploadHandler(&a.Config.Uploads, a.Engine, a.Logger)
	workflowHandler := handlers.NewWorkflowHandler(a.Config, a.Workflows, a.Engine, a.Logger)
	jobHandler := handlers.NewJobHandler(a.Jobs, a.Logger)

	// Generation pipeline
	mux.HandleFunc("/generate", generateHandler.HandleGenerate)
	mux.HandleFunc("/result/", resultHandler.HandleResult)
	mux.HandleFunc("/ws/progress/", progressHandler.HandleProgress)
	mux.HandleFunc("/upload/image", uploadHandler.HandleUpload)

	// Discovery
	mux.HandleFunc("/api/workflows", workflowHandler.HandleList)
	mux.HandleFunc("/api/workflows/", workflowHandler.HandleGet)
	mux.HandleFunc("/api/checkpoints", workflowHandler.HandleCheckpoints)

	// Job records
	mux.HandleFunc("/api/jobs", jobHandler.HandleList)
	mux.HandleFunc("/api/jobs/", jobHandler.HandleGet)

	// Service metadata
	mux.HandleFunc("/api/health", apiHandler.HandleHealth)
	mux.HandleFunc("/api/version", apiHandler.HandleVersion)
	mux.HandleFunc("/api/gpu", apiHandler.HandleGPU)
	mux.HandleFunc("/", apiHandler.HandleRoot)

	return mux
}
