package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zhiwei/internal/api/auth"
	"github.com/zhiwei/internal/treestore"
)

type conversationDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageDTO struct {
	NodeID    string    `json:"node_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) listConversations(c echo.Context) error {
	convs, err := s.store.ListConversations(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return mapDomainError(err)
	}
	out := make([]conversationDTO, 0, len(convs))
	for _, conv := range convs {
		out = append(out, conversationDTO{
			ID:        conv.ID,
			Title:     conv.Title,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// requireOwnership loads the conversation and checks it belongs to the
// caller. Foreign conversations read as not found.
func (s *Server) requireOwnership(c echo.Context, id string) (*treestore.Conversation, error) {
	conv, err := s.store.GetConversation(c.Request().Context(), id)
	if err != nil {
		return nil, mapDomainError(err)
	}
	if conv.UserID != auth.UserID(c) {
		return nil, echo.NewHTTPError(http.StatusNotFound, treestore.ErrConversationNotFound.Error())
	}
	return conv, nil
}

func (s *Server) conversationMessages(c echo.Context) error {
	if _, err := s.requireOwnership(c, c.Param("id")); err != nil {
		return err
	}
	recs, err := s.store.ConversationMessages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, toMessageDTOs(recs))
}

func (s *Server) deleteConversation(c echo.Context) error {
	if _, err := s.requireOwnership(c, c.Param("id")); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(c.Request().Context(), c.Param("id")); err != nil {
		return mapDomainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) treePath(c echo.Context) error {
	ctx := c.Request().Context()
	node, err := s.store.GetNode(ctx, c.Param("node_id"))
	if err != nil {
		return mapDomainError(err)
	}
	// The node's conversation gates access to the whole path.
	if _, err := s.requireOwnership(c, node.ConversationID); err != nil {
		return err
	}
	path, err := s.store.RootToLeafPath(ctx, node.NodeID)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, toMessageDTOs(path))
}

func toMessageDTOs(recs []treestore.NodeRecord) []messageDTO {
	out := make([]messageDTO, 0, len(recs))
	for _, r := range recs {
		out = append(out, messageDTO{
			NodeID:    r.NodeID,
			ParentID:  r.ParentID,
			Role:      r.Role,
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}

func (s *Server) listModels(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.List())
}
