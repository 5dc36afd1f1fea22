// Package drive is the typed client for the remote file API. It is the only
// component that issues outbound calls; every call is admitted by the rate
// limiter and reads are served through the response cache.
package drive

import "time"

// MimeTypeFolder is the remote API's folder marker.
const MimeTypeFolder = "application/vnd.google-apps.folder"

// File is the metadata the sync engine tracks for one remote file or folder.
type File struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Parents      []string  `json:"parents,omitempty"`
	ModifiedTime time.Time `json:"modifiedTime"`
	MD5Checksum  string    `json:"md5Checksum,omitempty"`
	Size         int64     `json:"size,string,omitempty"`
	Trashed      bool      `json:"trashed,omitempty"`
}

// IsFolder reports whether the file is a folder.
func (f *File) IsFolder() bool { return f.MimeType == MimeTypeFolder }

// FileList is one page of a paginated listing.
type FileList struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

// Change is one entry from the change feed.
type Change struct {
	FileID  string    `json:"fileId"`
	Removed bool      `json:"removed"`
	File    *File     `json:"file,omitempty"`
	Time    time.Time `json:"time"`
}

// ChangeList is one page of the change feed.
type ChangeList struct {
	Changes           []Change `json:"changes"`
	NextPageToken     string   `json:"nextPageToken,omitempty"`
	NewStartPageToken string   `json:"newStartPageToken,omitempty"`
}

// WatchChannel is a registered push-notification subscription.
type WatchChannel struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	Expiration int64  `json:"expiration,string"` // unix ms
}

// ExpiresAt returns the channel expiry as a time.
func (w *WatchChannel) ExpiresAt() time.Time {
	return time.UnixMilli(w.Expiration)
}

// startPageTokenResponse is the changes.getStartPageToken response shape.
type startPageTokenResponse struct {
	StartPageToken string `json:"startPageToken"`
}

// apiErrorBody is the remote error envelope, parsed to distinguish
// throttling from authorization failures on 403.
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}
