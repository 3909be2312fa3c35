package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"stormline/internal/domain"
	"stormline/internal/logging"
	"stormline/internal/repo"
)

func registerShares(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "create-share",
		Method:      http.MethodPost,
		Path:        "/shares",
		Summary:     "Store an analysis snapshot and return its share link",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ShareRequest `json:"body"`
	}) (*struct {
		Body ShareResponse `json:"body"`
	}, error) {
		res, err := input.Body.result()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		rec, err := cfg.Repo.CreateShare(ctx, input.Body.Document, res)
		if err != nil {
			logging.FromContext(ctx, cfg.Logger).Error("create share failed", "err", err)
			return nil, handleError(err)
		}
		return &struct {
			Body ShareResponse `json:"body"`
		}{Body: ShareResponse{ShareID: rec.ID, ShareURL: baseURL(ctx, cfg.PublicURL) + "/share/" + rec.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-share",
		Method:      http.MethodGet,
		Path:        "/shares/{share_id}",
		Summary:     "Fetch a shared analysis",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ShareID string `path:"share_id" maxLength:"64"`
	}) (*struct {
		Body domain.ShareRecord `json:"body"`
	}, error) {
		rec, err := cfg.Repo.GetShare(ctx, input.ShareID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				logging.FromContext(ctx, cfg.Logger).Error("get share failed", "share_id", input.ShareID, "err", err)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ShareRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-shares",
		Method:      http.MethodGet,
		Path:        "/shares",
		Summary:     "List recent shares",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"200"`
	}) (*struct {
		Body ShareListResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListShares(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ShareListResponse `json:"body"`
		}{Body: ShareListResponse{Items: items}}, nil
	})
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var sharePage = template.Must(template.New("share").Parse(`<!doctype html>
<html lang="ko">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>{{.Title}} · Stormline</title>
    <script type="module">
      import mermaid from "https://cdn.jsdelivr.net/npm/mermaid@10/dist/mermaid.esm.min.mjs";
      mermaid.initialize({ startOnLoad: true });
    </script>
  </head>
  <body>
    <header><h1>{{.Title}}</h1><p>공유일: {{.CreatedAt}}</p></header>
    <section id="document">{{.Document}}</section>
    <section id="diagram"><pre class="mermaid">{{.Diagram}}</pre></section>
    <script id="analysis" type="application/json">{{.Analysis}}</script>
  </body>
</html>`))

type sharePageData struct {
	Title     string
	CreatedAt string
	Document  template.HTML
	Diagram   string
	Analysis  template.JS
}

func registerSharePage(r chi.Router, cfg Config) {
	r.Get("/share/{share_id}", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		rec, err := cfg.Repo.GetShare(ctx, chi.URLParam(req, "share_id"))
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "공유된 분석을 찾을 수 없습니다.", http.StatusNotFound)
			return
		}
		if err != nil {
			logging.FromContext(ctx, cfg.Logger).Error("share page failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		data, err := renderShare(rec)
		if err != nil {
			logging.FromContext(ctx, cfg.Logger).Error("render share failed", "share_id", rec.ID, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		var buf bytes.Buffer
		if err := sharePage.Execute(&buf, data); err != nil {
			logging.FromContext(ctx, cfg.Logger).Error("share template failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	})
}

// renderShare converts the stored markdown to HTML. Raw HTML in the document
// is dropped by goldmark's default renderer.
func renderShare(rec domain.ShareRecord) (sharePageData, error) {
	var doc bytes.Buffer
	if err := markdown.Convert([]byte(rec.Document), &doc); err != nil {
		return sharePageData{}, err
	}
	analysis, err := json.Marshal(rec.Analysis)
	if err != nil {
		return sharePageData{}, err
	}
	title := repo.Title(rec.Document)
	if title == "" {
		title = rec.ID
	}
	return sharePageData{
		Title:     title,
		CreatedAt: rec.CreatedAt,
		Document:  template.HTML(doc.String()),
		Diagram:   rec.Analysis.EventStorming.Diagram,
		Analysis:  template.JS(analysis),
	}, nil
}
