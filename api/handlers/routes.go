package handlers

import "net/http"

// Routes 全部 HTTP 处理器。为 nil 的处理器不注册路由
type Routes struct {
	Health     *HealthHandler
	Personas   *PersonaHandler
	Generation *GenerationHandler
	Providers  *ProviderHandler
	Build      BuildInfo
}

// PublicPaths 不需要认证的路径
var PublicPaths = []string{"/health", "/ready", "/version"}

// Register 在 mux 上注册路由（Go 1.22 方法 + 通配符模式）
func (rt Routes) Register(mux *http.ServeMux) {
	if h := rt.Health; h != nil {
		mux.HandleFunc("GET /health", h.HandleHealth)
		mux.HandleFunc("GET /ready", h.HandleReady)
		mux.HandleFunc("GET /version", h.HandleVersion(rt.Build))
	}

	if h := rt.Personas; h != nil {
		mux.HandleFunc("POST /personas", h.HandleCreate)
		mux.HandleFunc("GET /personas", h.HandleList)
		mux.HandleFunc("GET /personas/{id}", h.HandleGet)
		mux.HandleFunc("DELETE /personas/{id}", h.HandleDelete)
		mux.HandleFunc("POST /personas/{id}/upload", h.HandleUpload)
		mux.HandleFunc("POST /search/similar", h.HandleSearch)
	}

	if h := rt.Generation; h != nil {
		mux.HandleFunc("POST /generate/video", h.HandleGenerate)
		mux.HandleFunc("GET /generate/jobs", h.HandleListJobs)
		mux.HandleFunc("GET /generate/jobs/{id}", h.HandleGetJob)
		mux.HandleFunc("DELETE /generate/jobs/{id}", h.HandleCancelJob)
		mux.HandleFunc("GET /generate/jobs/{id}/events", h.HandleJobEvents)
	}

	if h := rt.Providers; h != nil {
		mux.HandleFunc("GET /providers", h.HandleProviders)
		mux.HandleFunc("POST /validate/script", h.HandleValidateScript)
	}
}
