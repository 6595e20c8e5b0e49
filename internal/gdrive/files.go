package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// OAuth scopes used by Drive operations. Listing and search run on the
// read-only scope; create and delete need the per-file scope. Escalation
// requests exactly the scope the failing operation needed.
const (
	ScopeDriveReadonly = "https://www.googleapis.com/auth/drive.readonly"
	ScopeDriveFile     = "https://www.googleapis.com/auth/drive.file"
)

// DefaultPageSize is how many files a view fetches when the caller does
// not say otherwise.
const DefaultPageSize = 12

// fileFields is the fields projection requested on every file response.
// Keeping it fixed keeps responses small and the File type honest.
const fileFields = "id,name,mimeType,modifiedTime,viewedByMeTime,thumbnailLink,webViewLink,iconLink"

// DocType identifies a Google Workspace document kind.
type DocType string

const (
	DocTypeDocs   DocType = "docs"
	DocTypeSheets DocType = "sheets"
	DocTypeSlides DocType = "slides"
	DocTypeForms  DocType = "forms"
)

// docMimeTypes maps document kinds to their Drive MIME types.
var docMimeTypes = map[DocType]string{
	DocTypeDocs:   "application/vnd.google-apps.document",
	DocTypeSheets: "application/vnd.google-apps.spreadsheet",
	DocTypeSlides: "application/vnd.google-apps.presentation",
	DocTypeForms:  "application/vnd.google-apps.form",
}

// MimeType returns the Drive MIME type for the document kind, or false
// for an unknown kind.
func (d DocType) MimeType() (string, bool) {
	mime, ok := docMimeTypes[d]

	return mime, ok
}

// KindForMime is the inverse of MimeType. Returns "" for MIME types that
// are not Workspace documents.
func KindForMime(mime string) DocType {
	for kind, m := range docMimeTypes {
		if m == mime {
			return kind
		}
	}

	return ""
}

// File is a Drive file as the rest of the program sees it.
type File struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MimeType       string `json:"mimeType"`
	ModifiedTime   string `json:"modifiedTime"`
	ViewedByMeTime string `json:"viewedByMeTime"`
	ThumbnailLink  string `json:"thumbnailLink"`
	WebViewLink    string `json:"webViewLink"`
	IconLink       string `json:"iconLink"`
}

// View selects the ordering of a file listing.
type View string

const (
	// ViewDrive lists by last modification, newest first.
	ViewDrive View = "drive"
	// ViewRecent lists by the caller's own last view, newest first.
	ViewRecent View = "recent"
)

// orderBy returns the Drive orderBy clause for the view.
func (v View) orderBy() string {
	if v == ViewRecent {
		return "viewedByMeTime desc"
	}

	return "modifiedTime desc"
}

// ListOptions narrow a file listing.
type ListOptions struct {
	View     View
	DocType  DocType // all Workspace document kinds when empty
	Query    string  // name substring filter, applied server side
	PageSize int     // DefaultPageSize when zero or negative
}

type fileListResponse struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"nextPageToken"`
}

// ListFiles fetches one page of Workspace documents for the given view.
func (c *Client) ListFiles(ctx context.Context, opts ListOptions) ([]File, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	q := url.Values{}
	q.Set("q", buildQuery(opts))
	q.Set("orderBy", opts.View.orderBy())
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("fields", "nextPageToken,files("+fileFields+")")
	q.Set("corpora", "user")
	q.Set("supportsAllDrives", "true")

	var list fileListResponse
	if err := c.doJSON(ctx, request{
		method:         http.MethodGet,
		path:           "/files",
		query:          q,
		requiredScopes: []string{ScopeDriveReadonly},
	}, &list); err != nil {
		return nil, err
	}

	return list.Files, nil
}

// buildQuery assembles the Drive search expression for the options:
// untrashed Workspace documents, optionally narrowed to one kind and a
// name substring.
func buildQuery(opts ListOptions) string {
	var clauses []string

	if mime, ok := opts.DocType.MimeType(); ok {
		clauses = append(clauses, fmt.Sprintf("mimeType = '%s'", mime))
	} else {
		var mimes []string
		for _, kind := range []DocType{DocTypeDocs, DocTypeSheets, DocTypeSlides, DocTypeForms} {
			m, _ := kind.MimeType()
			mimes = append(mimes, fmt.Sprintf("mimeType = '%s'", m))
		}

		clauses = append(clauses, "("+strings.Join(mimes, " or ")+")")
	}

	clauses = append(clauses, "trashed = false")

	if opts.Query != "" {
		clauses = append(clauses, fmt.Sprintf("name contains '%s'", escapeQueryValue(opts.Query)))
	}

	return strings.Join(clauses, " and ")
}

// escapeQueryValue escapes a value for inclusion in a Drive q
// expression. Backslash first, then quotes.
func escapeQueryValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)

	return strings.ReplaceAll(v, `'`, `\'`)
}

// GetFile fetches a single file's metadata.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	q := url.Values{}
	q.Set("fields", fileFields)

	var file File
	if err := c.doJSON(ctx, request{
		method:         http.MethodGet,
		path:           "/files/" + url.PathEscape(fileID),
		query:          q,
		requiredScopes: []string{ScopeDriveReadonly},
	}, &file); err != nil {
		return File{}, err
	}

	return file, nil
}

// CreateFile creates an empty Workspace document of the given kind. The
// returned File carries the webViewLink to open it in the editor.
func (c *Client) CreateFile(ctx context.Context, name string, kind DocType) (File, error) {
	mime, ok := kind.MimeType()
	if !ok {
		return File{}, fmt.Errorf("gdrive: unknown document kind %q", kind)
	}

	body, err := json.Marshal(map[string]string{
		"name":     name,
		"mimeType": mime,
	})
	if err != nil {
		return File{}, fmt.Errorf("gdrive: encoding create request: %w", err)
	}

	q := url.Values{}
	q.Set("fields", fileFields)

	var file File
	if err := c.doJSON(ctx, request{
		method:         http.MethodPost,
		path:           "/files",
		query:          q,
		body:           body,
		requiredScopes: []string{ScopeDriveFile},
	}, &file); err != nil {
		return File{}, err
	}

	return file, nil
}

// DeleteFile permanently removes a file. Drive answers 204 with an empty
// body on success.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	return c.doJSON(ctx, request{
		method:         http.MethodDelete,
		path:           "/files/" + url.PathEscape(fileID),
		requiredScopes: []string{ScopeDriveFile},
	}, nil)
}

// AboutUser is the Drive-side identity of the signed-in user.
type AboutUser struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	PhotoLink    string `json:"photoLink"`
}

type aboutResponse struct {
	User AboutUser `json:"user"`
}

// About asks Drive who the current token belongs to. Useful to confirm a
// session is still live rather than trusting locally stored identity.
func (c *Client) About(ctx context.Context) (AboutUser, error) {
	q := url.Values{}
	q.Set("fields", "user(displayName,emailAddress,photoLink)")

	var resp aboutResponse
	if err := c.doJSON(ctx, request{
		method:         http.MethodGet,
		path:           "/about",
		query:          q,
		requiredScopes: []string{ScopeDriveReadonly},
	}, &resp); err != nil {
		return AboutUser{}, err
	}

	return resp.User, nil
}
