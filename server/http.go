package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// NewMux 组装路由
//
//	GET /ws/{username}   WebSocket 接入
//	GET /                网格快照（仅来自存储，不含锁信息）
//	GET /healthz         存活检查
//	GET /metrics         协调器指标
//	GET /admin/sessions  在线会话
//	GET /admin/locks     按用户分组的锁
func NewMux(coord *Coordinator, cfg ServerConfig, log *zap.SugaredLogger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{username}", NewWSHandler(coord, cfg, log))
	mux.Handle("GET /{$}", withCORS(cfg.AllowedOrigins, HandleSnapshot(coord, log)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /metrics", HandleMetrics(coord))
	mux.HandleFunc("GET /admin/sessions", HandleSessions(coord))
	mux.HandleFunc("GET /admin/locks", HandleLocks(coord))
	return mux
}

// HandleSnapshot 返回存储中的全部单元格
func HandleSnapshot(coord *Coordinator, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cells, err := coord.Store().LoadAll(r.Context())
		if err != nil {
			log.Errorf("load canvas: %v", err)
			http.Error(w, "unable to get canvas", http.StatusInternalServerError)
			return
		}
		writeJSON(w, cells)
	}
}

// HandleMetrics 输出运行指标
func HandleMetrics(coord *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"sessions": coord.Registry().Len(),
			"locks":    coord.Locks().Len(),
			"metrics":  coord.Metrics().Snapshot(),
		})
	}
}

func HandleSessions(coord *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := coord.Registry().Snapshot()
		out := make([]SessionInfo, 0, len(snap))
		for _, s := range snap {
			out = append(out, s.Info())
		}
		writeJSON(w, out)
	}
}

func HandleLocks(coord *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, coord.Locks().ByOwner())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// withCORS 按允许列表回显 Origin；列表为空时允许所有来源
func withCORS(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}
