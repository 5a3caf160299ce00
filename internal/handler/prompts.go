package handler

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/admission"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/middleware"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tokens"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/upstream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Completer interface {
	Complete(ctx context.Context, req upstream.ChatRequest) (*upstream.Completion, error)
}

type PromptStore interface {
	Create(ctx context.Context, prompt *models.SavedPrompt) error
	FindByID(ctx context.Context, userID, id string) (*models.SavedPrompt, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.SavedPrompt, error)
}

type PromptHandler struct {
	completer Completer
	prompts   PromptStore
}

func NewPromptHandler(completer Completer, prompts PromptStore) *PromptHandler {
	return &PromptHandler{
		completer: completer,
		prompts:   prompts,
	}
}

type GenerateRequest struct {
	Role         string   `json:"role"`
	Task         string   `json:"task" binding:"required"`
	Context      string   `json:"context"`
	Requirements []string `json:"requirements"`
	Style        string   `json:"style"`
	Output       string   `json:"output"`
}

type xmlPrompt struct {
	XMLName      xml.Name `xml:"prompt"`
	Role         string   `xml:"role,omitempty"`
	Task         string   `xml:"task"`
	Context      string   `xml:"context,omitempty"`
	Requirements []string `xml:"requirements>requirement,omitempty"`
	Style        string   `xml:"style,omitempty"`
	Output       string   `xml:"output,omitempty"`
}

// Handles POST /v1/prompts/generate
func (h *PromptHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prompt, err := buildXMLPrompt(req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"prompt":          prompt,
		"format":          "xml",
		"estimatedTokens": tokens.EstimateText(prompt),
	})
}

func buildXMLPrompt(req GenerateRequest) (string, error) {
	requirements := make([]string, 0, len(req.Requirements))
	for _, r := range req.Requirements {
		if r = strings.TrimSpace(r); r != "" {
			requirements = append(requirements, r)
		}
	}

	out, err := xml.MarshalIndent(xmlPrompt{
		Role:         strings.TrimSpace(req.Role),
		Task:         strings.TrimSpace(req.Task),
		Context:      strings.TrimSpace(req.Context),
		Requirements: requirements,
		Style:        strings.TrimSpace(req.Style),
		Output:       strings.TrimSpace(req.Output),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type EnhanceRequest struct {
	Prompt       string `json:"prompt" binding:"required"`
	Instructions string `json:"instructions"`
	Model        string `json:"model"`
}

const enhanceSystemPrompt = "You improve prompts for large language models. Rewrite the user's prompt as a well-structured XML prompt with role, task, context, requirements and output sections. Reply with the XML only."

// Handles POST /v1/prompts/enhance
func (h *PromptHandler) Enhance(c *gin.Context) {
	var req EnhanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userContent := req.Prompt
	if req.Instructions != "" {
		userContent += "\n\nAdditional instructions: " + req.Instructions
	}

	completion, err := h.completer.Complete(c.Request.Context(), upstream.ChatRequest{
		Model: req.Model,
		Messages: []tokens.Message{
			{Role: "system", Content: enhanceSystemPrompt},
			{Role: "user", Content: userContent},
		},
	})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	h.finalize(c, completion, gin.H{
		"prompt":     completion.Content,
		"model":      completion.Model,
		"tokensUsed": completion.TotalTokens,
	})
}

// Handles POST /v1/api/completions
func (h *PromptHandler) Completions(c *gin.Context) {
	var req upstream.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must not be empty"})
		return
	}

	completion, err := h.completer.Complete(c.Request.Context(), req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	h.finalize(c, completion, []byte(completion.Raw))
}

// finalize runs the post-call token cap before anything is written.
func (h *PromptHandler) finalize(c *gin.Context, completion *upstream.Completion, body any) {
	ticket, ok := middleware.Ticket(c)
	if !ok {
		middleware.AbortWithError(c, errors.New("admission ticket missing"))
		return
	}

	res, err := ticket.Finalize(admission.Result{
		Success:    true,
		TokensUsed: completion.TotalTokens,
		Body:       body,
	})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	if raw, isRaw := res.Body.([]byte); isRaw {
		c.Data(http.StatusOK, "application/json", raw)
		return
	}
	c.JSON(http.StatusOK, res.Body)
}

type SaveRequest struct {
	Title   string `json:"title" binding:"required"`
	Content string `json:"content" binding:"required"`
	Format  string `json:"format"`
}

// Handles POST /v1/prompts
func (h *PromptHandler) Save(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header required"})
		return
	}

	var req SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	format := req.Format
	if format == "" {
		format = "xml"
	}
	prompt := &models.SavedPrompt{
		UserID:  userID,
		Title:   req.Title,
		Content: req.Content,
		Format:  format,
	}
	if err := h.prompts.Create(c.Request.Context(), prompt); err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, prompt)
}

// Handles GET /v1/prompts
func (h *PromptHandler) List(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header required"})
		return
	}

	limit, offset := parsePagination(c)
	prompts, err := h.prompts.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"prompts": prompts,
		"limit":   limit,
		"offset":  offset,
	})
}

// Handles GET /v1/prompts/:id
func (h *PromptHandler) Get(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header required"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid prompt ID"})
		return
	}

	prompt, err := h.prompts.FindByID(c.Request.Context(), userID, id.String())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if prompt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Prompt not found"})
		return
	}

	c.JSON(http.StatusOK, prompt)
}

func parsePagination(c *gin.Context) (int, int) {
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}
