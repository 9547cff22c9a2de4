package emulate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/mimicproxy/internal/browser"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// BookmarksPanelURL is the browser page that exposes the bookmark API.
const BookmarksPanelURL = "chrome://bookmarks-side-panel.top-chrome/"

const (
	bookmarksModule        = "chrome://bookmarks-side-panel.top-chrome/bookmarks_api_proxy.js"
	bookmarkTitle          = "tmpBookmark"
	bookmarkCleanupTimeout = 10 * time.Second
)

// Trigger is how the tab is made to load the navigation URL.
type Trigger int

const (
	// TriggerNavigate loads the URL with Page.navigate.
	TriggerNavigate Trigger = iota
	// TriggerBookmark bookmarks the URL from the bookmarks panel and opens
	// the bookmark, so the browser sends the request as a user navigation
	// (Sec-Fetch-User, no automation initiator).
	TriggerBookmark
)

func (t Trigger) String() string {
	if t == TriggerBookmark {
		return "bookmark"
	}
	return "navigate"
}

func jsLiteral(v any) string {
	out, _ := json.Marshal(v)
	return string(out)
}

// createBookmarkScript bookmarks the panel's own tab in the top-level
// folder, points the bookmark at target and returns its id.
func createBookmarkScript(target string) string {
	return fmt.Sprintf(`(async (url) => {
  const {BookmarksApiProxyImpl} = await import(%s);
  const api = BookmarksApiProxyImpl.getInstance();
  const folder = document.querySelector('body > power-bookmarks-list').getParentFolder_();
  await api.bookmarkCurrentTabInFolder(folder.id);
  const [created] = await chrome.bookmarks.getRecent(1);
  await chrome.bookmarks.update(created.id, {title: %s, url});
  return created.id;
})(%s)`, jsLiteral(bookmarksModule), jsLiteral(bookmarkTitle), jsLiteral(target))
}

// openBookmarkScript opens the bookmark in the current tab as a plain
// left click would.
func openBookmarkScript(id string) string {
	return fmt.Sprintf(`(async (id) => {
  const {BookmarksApiProxyImpl} = await import(%s);
  BookmarksApiProxyImpl.getInstance().openBookmark(parseInt(id, 10), 0, {
    middleButton: false, altKey: false, ctrlKey: false, metaKey: false, shiftKey: false,
  }, 0);
})(%s)`, jsLiteral(bookmarksModule), jsLiteral(id))
}

func removeBookmarkScript(id string) string {
	return fmt.Sprintf(`chrome.bookmarks.remove(%s)`, jsLiteral(id))
}

// evaluate runs expr in the page's main frame, awaiting a returned promise.
func evaluate(c proto.Client, expr string) (gson.JSON, error) {
	res, err := proto.RuntimeEvaluate{
		Expression:    expr,
		AwaitPromise:  true,
		ReturnByValue: true,
	}.Call(c)
	if err != nil {
		return gson.JSON{}, err
	}
	if d := res.ExceptionDetails; d != nil {
		msg := d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			msg = d.Exception.Description
		}
		return gson.JSON{}, types.Errorf(types.KindAutomationProtocol, "evaluate", "script failed: %s", msg)
	}
	return res.Result.Value, nil
}

// loadBookmarksPanel navigates page to the bookmarks panel and waits for
// its load event.
func loadBookmarksPanel(page *rod.Page) error {
	loaded := page.WaitEvent(&proto.PageLoadEventFired{})
	nav, err := proto.PageNavigate{URL: BookmarksPanelURL}.Call(page)
	if err != nil {
		return err
	}
	if nav.ErrorText != "" {
		return types.Errorf(types.KindAutomationProtocol, "bookmarks_panel", "navigation failed: %s", nav.ErrorText)
	}
	loaded()
	return page.GetContext().Err()
}

// openBookmark runs on its own goroutine: it loads the panel in the run's
// tab, creates the temporary bookmark and opens it there.
func (r *run) openBookmark(target string) {
	if err := loadBookmarksPanel(r.page); err != nil {
		r.fail("bookmarks_panel", err)
		return
	}

	id, err := evaluate(r.page, createBookmarkScript(target))
	if err != nil {
		r.fail("create_bookmark", err)
		return
	}
	if id.Nil() || id.Str() == "" {
		r.fail("create_bookmark", types.Errorf(types.KindAutomationProtocol, "create_bookmark", "no bookmark id returned"))
		return
	}
	r.setBookmark(id.Str())

	if _, err := evaluate(r.page, openBookmarkScript(id.Str())); err != nil {
		r.fail("open_bookmark", err)
		return
	}
	r.setState(stateActionTriggered)
}

// removeBookmark deletes a temporary bookmark from a fresh panel tab. The
// run's own tab no longer shows the panel by then.
func (o *Orchestrator) removeBookmark(sess *browser.Session, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), bookmarkCleanupTimeout)
	defer cancel()

	tab, err := o.tabs.OpenTab(ctx, sess, "about:blank")
	if err != nil {
		log.Warn().Err(err).Str("bookmark_id", id).Msg("Cannot open tab to remove bookmark")
		return
	}
	defer o.tabs.CloseTab(tab)

	page := tab.Page.Context(ctx)
	if err := loadBookmarksPanel(page); err != nil {
		log.Warn().Err(err).Str("bookmark_id", id).Msg("Cannot load bookmarks panel")
		return
	}
	if _, err := evaluate(page, removeBookmarkScript(id)); err != nil {
		log.Warn().Err(err).Str("bookmark_id", id).Msg("Failed to remove bookmark")
		return
	}
	log.Debug().Str("bookmark_id", id).Msg("Bookmark removed")
}
