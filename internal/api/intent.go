package api

import (
	"net/http"
	"regexp"
	"strings"
)

// intent is what a read request on the disk asks for.
type intent int

const (
	intentList intent = iota
	intentSearch
	intentTree
	intentInfo
	intentStatus
	intentDownload
	intentPreview
	intentServe
)

func (i intent) String() string {
	switch i {
	case intentSearch:
		return "search"
	case intentTree:
		return "tree"
	case intentInfo:
		return "info"
	case intentStatus:
		return "status"
	case intentDownload:
		return "download"
	case intentPreview:
		return "preview"
	case intentServe:
		return "serve"
	}
	return "list"
}

var downloaderAgent = regexp.MustCompile(`wget|curl|axel`)

// readIntent classifies a GET or HEAD request on a path. isFile reports
// whether the path names a regular file.
func readIntent(r *http.Request, isFile bool) intent {
	q := r.URL.Query()
	f := q.Get("f")
	switch {
	case f == "status":
		return intentStatus
	case q.Get("q") != "":
		return intentSearch
	case f == "tree":
		return intentTree
	case f == "info":
		return intentInfo
	case strings.HasPrefix(r.URL.Path, "/file/") || f == "download" ||
		downloaderAgent.MatchString(strings.ToLower(r.UserAgent())):
		return intentDownload
	case isFile && f == "preview":
		return intentPreview
	case isFile:
		return intentServe
	}
	return intentList
}

// action is a mutation requested through POST.
type action string

const (
	actionFolder   action = "folder"
	actionRename   action = "rename"
	actionMove     action = "move"
	actionPublic   action = "public"
	actionShare    action = "share"
	actionUnshare  action = "unshare"
	actionDownload action = "download"
	actionDelete   action = "delete"
	actionMerge    action = "merge"
	actionUpload   action = "upload"
)

// postAction resolves the action of a POST whose form is parsed. A missing
// action is an upload; deleting from the share page withdraws the share.
func postAction(r *http.Request) (action, bool) {
	a := action(r.FormValue("action"))
	switch a {
	case "":
		return actionUpload, true
	case actionDelete:
		if strings.Contains(r.Referer(), "/share") {
			return actionUnshare, true
		}
		return a, true
	case actionFolder, actionRename, actionMove, actionPublic, actionShare,
		actionUnshare, actionDownload, actionMerge:
		return a, true
	}
	return a, false
}

// needsTarget reports whether the action operates on an existing path.
func (a action) needsTarget() bool {
	switch a {
	case actionUnshare, actionMerge, actionUpload:
		return false
	}
	return true
}
