package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/services/chat"
	"github.com/labcv/labcv/internal/app/services/cvs"
	"github.com/labcv/labcv/internal/app/services/downloads"
	"github.com/labcv/labcv/internal/errors"
	"github.com/labcv/labcv/internal/httputil"
)

type createCVRequest struct {
	Title    string `json:"title" validate:"max=200"`
	Template string `json:"template" validate:"omitempty,oneof=classic modern"`
}

type updateCVRequest struct {
	Title    *string `json:"title" validate:"omitempty,min=1,max=200"`
	Status   *string `json:"status" validate:"omitempty,oneof=draft completed"`
	Template *string `json:"template" validate:"omitempty,oneof=classic modern"`
}

type sendMessageRequest struct {
	Message string `json:"message" validate:"required"`
}

type feedbackRequest struct {
	Rating  int      `json:"rating" validate:"required,min=1,max=5"`
	Tags    []string `json:"tags" validate:"max=10,dive,required,max=64"`
	Comment string   `json:"comment" validate:"max=2000"`
}

func (h *handler) listCVs(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.CVs.List(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) createCV(w http.ResponseWriter, r *http.Request) {
	var req createCVRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	created, err := h.app.CVs.Create(r.Context(), userID(r), req.Title, cv.Template(req.Template))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getCV(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.CVs.Get(r.Context(), userID(r), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) updateCV(w http.ResponseWriter, r *http.Request) {
	var req updateCVRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var change cvs.MetaChange
	change.Title = req.Title
	if req.Status != nil {
		status := cv.Status(*req.Status)
		change.Status = &status
	}
	if req.Template != nil {
		template := cv.Template(*req.Template)
		change.Template = &template
	}
	updated, err := h.app.CVs.UpdateMeta(r.Context(), userID(r), pathParam(r, "id"), change)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) deleteCV(w http.ResponseWriter, r *http.Request) {
	if err := h.app.CVs.Delete(r.Context(), userID(r), pathParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// saveContent replaces the whole CV content with the edited JSON.
func (h *handler) saveContent(w http.ResponseWriter, r *http.Request) {
	var content cv.Content
	if err := h.decode(r, &content); err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, version, err := h.app.CVs.UpdateContent(r.Context(), userID(r), pathParam(r, "id"), content, cv.ReasonManual)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cv": updated, "version": version})
}

func (h *handler) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.app.CVs.Versions(r.Context(), userID(r), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *handler) restoreVersion(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(pathParam(r, "n"))
	if err != nil {
		h.writeError(w, r, errors.BadRequest("Versión inválida"))
		return
	}
	restored, version, err := h.app.CVs.RestoreVersion(r.Context(), userID(r), pathParam(r, "id"), number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cv": restored, "version": version})
}

func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.app.Chat.History(r.Context(), userID(r), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	reply, err := h.app.Chat.Send(r.Context(), userID(r), pathParam(r, "id"), req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *handler) rateMessage(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.app.Chat.Rate(r.Context(), userID(r), pathParam(r, "id"), chat.Rating{
		MessageID: pathParam(r, "mid"),
		Rating:    req.Rating,
		Tags:      req.Tags,
		Comment:   req.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// readUpload reads the multipart "file" field.
func readUpload(w http.ResponseWriter, r *http.Request, kind cv.AssetKind) (cvs.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody+1<<20)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		return cvs.Upload{}, errors.BadRequest("El archivo es demasiado grande o el formulario es inválido")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return cvs.Upload{}, errors.BadRequest("Debes adjuntar un archivo en el campo file")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBody+1))
	if err != nil {
		return cvs.Upload{}, errors.BadRequest("No se pudo leer el archivo")
	}
	if len(data) > maxUploadBody {
		return cvs.Upload{}, errors.BadRequest("El archivo supera el tamaño máximo de 10 MB")
	}
	if raw := r.FormValue("kind"); raw != "" {
		kind = cv.AssetKind(raw)
	}
	return cvs.Upload{
		Kind:        kind,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (h *handler) importDocument(w http.ResponseWriter, r *http.Request) {
	up, err := readUpload(w, r, cv.AssetDocument)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	up.Kind = cv.AssetDocument
	result, err := h.app.Chat.Import(r.Context(), userID(r), pathParam(r, "id"), up)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) listAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.app.CVs.Assets(r.Context(), userID(r), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (h *handler) uploadAsset(w http.ResponseWriter, r *http.Request) {
	up, err := readUpload(w, r, cv.AssetPhoto)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	asset, err := h.app.CVs.AddAsset(r.Context(), userID(r), pathParam(r, "id"), up)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (h *handler) preview(w http.ResponseWriter, r *http.Request) {
	file, err := h.app.Downloads.Preview(r.Context(), userID(r), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePDF(w, file, true)
}

func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	file, err := h.app.Downloads.Download(r.Context(), userID(r), pathParam(r, "id"), isAdmin(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePDF(w, file, false)
}

func writePDF(w http.ResponseWriter, file downloads.File, inline bool) {
	w.Header().Set("Cache-Control", "no-store")
	if inline {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `inline; filename="`+file.Name+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(file.Data)
		return
	}
	httputil.WriteFile(w, "application/pdf", file.Name, file.Data)
}

func (h *handler) checkAccess(w http.ResponseWriter, r *http.Request) {
	cvID := pathParam(r, "id")
	admin := isAdmin(r)
	if !admin {
		if _, err := h.app.CVs.Get(r.Context(), userID(r), cvID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	status, err := h.app.Access.Check(r.Context(), userID(r), cvID, admin)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
