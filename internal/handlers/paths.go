package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/caldermay/pathforge-backend/internal/repos"
	"github.com/caldermay/pathforge-backend/internal/services"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// PathsHandler covers the minimal learning-path surface needed to drive the
// build pipeline end to end, plus classroom content reads.
type PathsHandler struct {
	paths       repos.LearningPathRepo
	concepts    repos.ConceptRepo
	subConcepts repos.SubConceptRepo
	kus         repos.KnowledgeUnitRepo
	classroom   services.ClassroomService
}

func NewPathsHandler(
	paths repos.LearningPathRepo,
	concepts repos.ConceptRepo,
	subConcepts repos.SubConceptRepo,
	kus repos.KnowledgeUnitRepo,
	classroom services.ClassroomService,
) *PathsHandler {
	return &PathsHandler{
		paths:       paths,
		concepts:    concepts,
		subConcepts: subConcepts,
		kus:         kus,
		classroom:   classroom,
	}
}

type createPathRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Subject     string `json:"subject"`
	Level       string `json:"level"`
}

// POST /api/paths
func (h *PathsHandler) CreatePath(c *gin.Context) {
	var req createPathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	path, err := h.paths.Create(c.Request.Context(), nil, &types.LearningPath{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		Subject:     req.Subject,
		Level:       req.Level,
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "create_path_failed", err)
		return
	}
	RespondCreated(c, gin.H{"path": path})
}

// GET /api/paths
func (h *PathsHandler) ListPaths(c *gin.Context) {
	paths, err := h.paths.List(c.Request.Context(), nil, 100)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_paths_failed", err)
		return
	}
	RespondOK(c, gin.H{"paths": paths})
}

// GET /api/paths/:id
func (h *PathsHandler) GetPath(c *gin.Context) {
	pathID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_path_id", err)
		return
	}
	path, err := h.paths.GetByID(c.Request.Context(), nil, pathID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "get_path_failed", err)
		return
	}
	if path == nil {
		RespondError(c, http.StatusNotFound, "path_not_found", services.ErrNotFound)
		return
	}
	RespondOK(c, gin.H{"path": path})
}

// GET /api/paths/:id/map
// The full generated tree: concepts with their sub-concepts and knowledge
// units, in display order.
func (h *PathsHandler) GetPathMap(c *gin.Context) {
	pathID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_path_id", err)
		return
	}
	ctx := c.Request.Context()

	concepts, err := h.concepts.ListByPath(ctx, nil, pathID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "get_map_failed", err)
		return
	}

	type subConceptNode struct {
		*types.SubConcept
		KnowledgeUnits []*types.KnowledgeUnit `json:"knowledge_units"`
	}
	type conceptNode struct {
		*types.Concept
		SubConcepts []subConceptNode `json:"sub_concepts"`
	}

	nodes := make([]conceptNode, 0, len(concepts))
	for _, concept := range concepts {
		subs, err := h.subConcepts.ListByConcept(ctx, nil, concept.ID)
		if err != nil {
			RespondError(c, http.StatusInternalServerError, "get_map_failed", err)
			return
		}
		subNodes := make([]subConceptNode, 0, len(subs))
		for _, sub := range subs {
			units, err := h.kus.ListBySubConcept(ctx, nil, sub.ID)
			if err != nil {
				RespondError(c, http.StatusInternalServerError, "get_map_failed", err)
				return
			}
			subNodes = append(subNodes, subConceptNode{SubConcept: sub, KnowledgeUnits: units})
		}
		nodes = append(nodes, conceptNode{Concept: concept, SubConcepts: subNodes})
	}
	RespondOK(c, gin.H{"concepts": nodes})
}

// GET /api/classroom/sub-concept/:id
func (h *PathsHandler) GetClassroomContent(c *gin.Context) {
	subConceptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_sub_concept_id", err)
		return
	}
	content, err := h.classroom.GetBySubConcept(c.Request.Context(), subConceptID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "get_content_failed", err)
		return
	}
	if content == nil {
		RespondError(c, http.StatusNotFound, "content_not_found", services.ErrNotFound)
		return
	}
	quiz, err := h.classroom.ListQuiz(c.Request.Context(), content.ID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "get_content_failed", err)
		return
	}
	RespondOK(c, gin.H{"content": content, "quiz": quiz})
}
