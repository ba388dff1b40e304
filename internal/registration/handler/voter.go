package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/voterledger/voterledger/internal/biometric"
	"github.com/voterledger/voterledger/internal/identity"
	"github.com/voterledger/voterledger/internal/registration/model"
	"github.com/voterledger/voterledger/internal/registration/service"
	"go.uber.org/zap"
)

// Typed registration outcomes.
const (
	OutcomeRegistered       = "registered"
	OutcomeDuplicateID      = "duplicate_id"
	OutcomeInvalidBiometric = "invalid_biometric"
	OutcomeInvalidInput     = "invalid_input"
	OutcomeInternalError    = "internal_error"
)

// maxFaceScanBytes bounds an uploaded face image.
const maxFaceScanBytes = 8 << 20

// RegisterResponse is the body of every POST /voters response.
type RegisterResponse struct {
	Outcome string             `json:"outcome"`
	Voter   *model.VoterRecord `json:"voter,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// VoterHandler handles HTTP requests for voter registration.
type VoterHandler struct {
	svc       *service.Coordinator
	extractor biometric.Extractor   // nil = face scan uploads rejected
	tokens    *identity.TokenIssuer // nil = operator routes open
	logger    *zap.Logger
}

// NewVoterHandler creates a new VoterHandler.
func NewVoterHandler(svc *service.Coordinator, logger *zap.Logger) *VoterHandler {
	return &VoterHandler{svc: svc, logger: logger}
}

// SetExtractor configures the face scan extraction service.
func (h *VoterHandler) SetExtractor(e biometric.Extractor) {
	h.extractor = e
}

// SetTokenIssuer enables operator token checks on privileged routes.
func (h *VoterHandler) SetTokenIssuer(t *identity.TokenIssuer) {
	h.tokens = t
}

// Register mounts the voter routes on the given router group.
func (h *VoterHandler) Register(rg *gin.RouterGroup) {
	voters := rg.Group("/voters")
	{
		voters.POST("", h.CreateVoter)
		voters.GET("/:voterId", h.GetVoter)
		voters.POST("/:voterId/notarize", identity.RequireOperator(h.tokens, identity.ScopeNotarize), h.NotarizeVoter)
	}

	rg.POST("/recovery", identity.RequireOperator(h.tokens, identity.ScopeRecover), h.RunRecovery)
	rg.GET("/stats", h.Stats)
}

// CreateVoter handles POST /voters. The body is either JSON or a multipart
// form carrying a face scan or a precomputed signature.
func (h *VoterHandler) CreateVoter(c *gin.Context) {
	var req *model.RegisterRequest
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		req, err = h.bindMultipart(c)
	} else {
		req = &model.RegisterRequest{}
		err = c.ShouldBindJSON(req)
		if err != nil {
			err = &model.ErrValidation{Msg: err.Error()}
		}
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	rec, err := h.svc.Register(c.Request.Context(), req.Fields(), req.BiometricSignature)
	if err != nil {
		h.respondError(c, err)
		return
	}

	recordRegistration(OutcomeRegistered)
	c.JSON(http.StatusCreated, RegisterResponse{Outcome: OutcomeRegistered, Voter: rec})
}

// bindMultipart reads the multipart registration form. faceScan takes
// precedence over biometricSignature when both are present.
func (h *VoterHandler) bindMultipart(c *gin.Context) (*model.RegisterRequest, error) {
	req := &model.RegisterRequest{
		Name:    c.PostForm("name"),
		Address: c.PostForm("address"),
		DOB:     c.PostForm("dob"),
		VoterID: c.PostForm("voterId"),
	}
	if req.VoterID == "" {
		req.VoterID = c.PostForm("voter_id")
	}

	if fh, err := c.FormFile("faceScan"); err == nil {
		if h.extractor == nil {
			return nil, &model.ErrValidation{Msg: "face scan uploads are not enabled; send biometricSignature"}
		}
		f, err := fh.Open()
		if err != nil {
			return nil, &model.ErrValidation{Msg: "unreadable face scan"}
		}
		defer f.Close()
		img, err := io.ReadAll(io.LimitReader(f, maxFaceScanBytes+1))
		if err != nil {
			return nil, &model.ErrValidation{Msg: "unreadable face scan"}
		}
		if len(img) > maxFaceScanBytes {
			return nil, &model.ErrValidation{Msg: "face scan too large"}
		}

		sig, err := h.extractor.Extract(c.Request.Context(), img)
		if errors.Is(err, biometric.ErrNoFace) {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidBiometric, err)
		}
		if err != nil {
			return nil, fmt.Errorf("extract face encoding: %w", err)
		}
		req.BiometricSignature = sig
		return req, nil
	}

	if raw := c.PostForm("biometricSignature"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.BiometricSignature); err != nil {
			return nil, fmt.Errorf("%w: biometricSignature must be a JSON array of numbers", model.ErrInvalidBiometric)
		}
	}
	return req, nil
}

func (h *VoterHandler) respondError(c *gin.Context, err error) {
	var status int
	var outcome string
	switch {
	case errors.Is(err, model.ErrDuplicateID):
		status, outcome = http.StatusConflict, OutcomeDuplicateID
	case errors.Is(err, model.ErrInvalidBiometric):
		status, outcome = http.StatusUnprocessableEntity, OutcomeInvalidBiometric
	case errors.Is(err, model.ErrInvalidInput):
		status, outcome = http.StatusBadRequest, OutcomeInvalidInput
	default:
		h.logger.Error("register voter", zap.Error(err))
		recordRegistration(OutcomeInternalError)
		c.JSON(http.StatusInternalServerError, RegisterResponse{
			Outcome: OutcomeInternalError,
			Error:   "registration failed",
		})
		return
	}

	recordRegistration(outcome)
	c.JSON(status, RegisterResponse{Outcome: outcome, Error: err.Error()})
}

// GetVoter handles GET /voters/:voterId.
func (h *VoterHandler) GetVoter(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("voterId"))
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "voter not found"})
		return
	}
	if err != nil {
		h.logger.Error("get voter", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load voter"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// NotarizeVoter handles POST /voters/:voterId/notarize. It retries the
// ledger commit for one voter and returns the resulting record; 202 means
// the outcome is still unknown and the record stays pending.
func (h *VoterHandler) NotarizeVoter(c *gin.Context) {
	voterID := c.Param("voterId")
	if op := identity.OperatorFromCtx(c); op != nil {
		h.logger.Info("operator notarize", zap.String("operator", op.Subject), zap.String("voter_id", voterID))
	}

	rec, err := h.svc.Notarize(c.Request.Context(), voterID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, rec)
	case errors.Is(err, service.ErrDeferred):
		c.JSON(http.StatusAccepted, rec)
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "voter not found"})
	case errors.Is(err, model.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("notarize voter", zap.String("voter_id", voterID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notarization failed"})
	}
}

// RunRecovery handles POST /recovery and runs one recovery pass inline.
func (h *VoterHandler) RunRecovery(c *gin.Context) {
	n, err := h.svc.RecoverPending(c.Request.Context())
	if err != nil {
		h.logger.Error("recovery pass", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recovery failed", "processed": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": n})
}

// Stats handles GET /stats and returns voter counts per status.
func (h *VoterHandler) Stats(c *gin.Context) {
	counts, err := h.svc.Counts(c.Request.Context())
	if err != nil {
		h.logger.Error("count voters", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count voters"})
		return
	}

	out := gin.H{}
	for _, s := range []model.NotarizationStatus{model.StatusPending, model.StatusNotarized, model.StatusFailed} {
		out[string(s)] = counts[s]
		SetVotersGauge(string(s), float64(counts[s]))
	}
	c.JSON(http.StatusOK, out)
}
