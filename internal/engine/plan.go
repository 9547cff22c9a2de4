package engine

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/Rorqualx/mimicproxy/internal/classify"
	"github.com/Rorqualx/mimicproxy/internal/emulate"
	"github.com/Rorqualx/mimicproxy/internal/security"
	"github.com/Rorqualx/mimicproxy/internal/synth"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

func noCleanup() {}

// buildPlan turns a classified request into an emulation plan. The returned
// cleanup removes any upload files and must always be called.
func (e *Engine) buildPlan(logger *zerolog.Logger, req *types.ProxiedRequest, d classify.Details, strategy classify.Strategy, tables classify.Tables) (*emulate.Plan, func(), error) {
	plan := &emulate.Plan{
		Strategy:   strategy,
		Method:     req.Method,
		Automatic:  true,
		Transition: proto.PageTransitionTypeOther,
	}
	cleanup := noCleanup

	var html string
	switch strategy {
	case classify.ManualNavigation:
		plan.HostingURL = req.URL
		plan.Transition = proto.PageTransitionTypeTyped
		plan.ResponseOnly = true
		if e.cfg.BookmarkNavigation {
			plan.Trigger = emulate.TriggerBookmark
		}
		return plan, cleanup, nil

	case classify.FormSubmission:
		plan.Automatic = !req.Headers.Has("Sec-Fetch-User")
		ctype := req.Headers.Get("Content-Type")
		if isMultipart(ctype) && synth.HasBoundary(ctype) {
			fields, err := synth.ParseMultipart(req.Body, ctype)
			if err != nil {
				return nil, cleanup, err
			}
			paths, rm, err := emulate.PrepareUploads(e.cfg.UploadDir, fields)
			cleanup = rm
			if err != nil {
				return nil, cleanup, err
			}
			html = synth.FileFormPage(req.URL, fields)
			plan.Files = paths
			plan.Automatic = false
		} else {
			var err error
			html, err = synth.FormPage(req.URL, req.Method, ctype, req.Body, plan.Automatic)
			if err != nil {
				return nil, cleanup, err
			}
		}

	case classify.FetchCall:
		html = synth.FetchPage(req.URL, req.Method, req.Headers.Without(tables.CleanSet()), req.Body)
		plan.PassPreflight = strings.EqualFold(req.Method, "OPTIONS")

	case classify.ResourceInclusion:
		var err error
		html, err = synth.ResourcePage(d.Resource, req.URL)
		if err != nil {
			return nil, cleanup, err
		}

	default:
		return nil, cleanup, types.Errorf(types.KindNoMatchingRoute, "plan", "unknown strategy %d", int(strategy))
	}

	host := classify.HostingURL(req)
	if host == "" || !classify.IsHTTP(host) {
		logger.Debug().Str("hosting_url", security.RedactURL(host)).Msg("No usable hosting URL, loading page inline")
		plan.Page = synth.Page{HTML: html}
		return plan, cleanup, nil
	}
	plan.HostingURL = host
	plan.Page = synth.Page{HTML: html, ServeBasePage: true}
	return plan, cleanup, nil
}

func isMultipart(contentType string) bool {
	media := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return media == "multipart/form-data"
}
