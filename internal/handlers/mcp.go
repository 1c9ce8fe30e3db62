package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/services/tools"
)

// JSON-RPC 2.0 framing for the /mcp endpoint

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
)

// mcpTool is the tools/list entry shape
type mcpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// mcpContent is one block of a tools/call result
type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MCPHandler serves the tool router as a JSON-RPC 2.0 endpoint speaking
// the MCP tools methods. Tool results carry the envelope JSON as a text
// content block, with isError mirroring the envelope.
type MCPHandler struct {
	router *tools.Router
	logger arbor.ILogger
}

func NewMCPHandler(router *tools.Router, logger arbor.ILogger) *MCPHandler {
	return &MCPHandler{
		router: router,
		logger: logger,
	}
}

// HandleRPC handles POST /mcp
func (h *MCPHandler) HandleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, nil, rpcInvalidRequest, "Method must be POST", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxToolPayload))
	if err != nil {
		h.sendError(w, nil, rpcParseError, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req jsonRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.sendError(w, nil, rpcParseError, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.JSONRPC != "2.0" {
		h.sendError(w, req.ID, rpcInvalidRequest, "Invalid JSON-RPC version", http.StatusBadRequest)
		return
	}

	h.logger.Debug().Str("method", req.Method).Msg("MCP RPC request")

	switch req.Method {
	case "tools/list":
		h.handleListTools(w, req)
	case "tools/call":
		h.handleCallTool(w, r, req)
	default:
		h.sendError(w, req.ID, rpcMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), http.StatusNotFound)
	}
}

func (h *MCPHandler) handleListTools(w http.ResponseWriter, req jsonRPCRequest) {
	names := h.router.Tools()
	list := make([]mcpTool, 0, len(names))
	for _, name := range names {
		description, input, ok := h.router.Describe(name)
		if !ok {
			continue
		}
		list = append(list, mcpTool{
			Name:        name,
			Description: description,
			InputSchema: input,
		})
	}

	h.sendSuccess(w, req.ID, map[string]interface{}{"tools": list})
}

func (h *MCPHandler) handleCallTool(w http.ResponseWriter, r *http.Request, req jsonRPCRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		h.sendError(w, req.ID, rpcInvalidParams, "Missing or invalid 'name' parameter", http.StatusBadRequest)
		return
	}

	envelope := h.router.Call(r.Context(), params.Name, params.Arguments)
	text, err := json.Marshal(envelope)
	if err != nil {
		h.sendError(w, req.ID, rpcInvalidParams, "Failed to encode envelope", http.StatusInternalServerError)
		return
	}

	isError := true
	if ok, _ := envelope["ok"].(bool); ok {
		isError = false
	}

	h.sendSuccess(w, req.ID, map[string]interface{}{
		"content": []mcpContent{{Type: "text", Text: string(text)}},
		"isError": isError,
	})
}

func (h *MCPHandler) sendSuccess(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *MCPHandler) sendError(w http.ResponseWriter, id interface{}, code int, message string, httpStatus int) {
	resp := jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    code,
			Message: message,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}

// InfoHandler handles GET /mcp/info
func (h *MCPHandler) InfoHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "indago",
		"description": "Research task orchestration tool server",
		"capabilities": map[string]interface{}{
			"tools": true,
		},
		"endpoints": map[string]string{
			"rpc":  "/mcp",
			"info": "/mcp/info",
		},
	})
}
