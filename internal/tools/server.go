// Package tools exposes the memory pipeline as MCP tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stellarlinkco/memclaw/internal/logger"
	"github.com/stellarlinkco/memclaw/internal/memory"
)

// MemoryService is the part of memory.Service the tools call.
type MemoryService interface {
	ReadDocument() (string, error)
	WriteDocument(text string) error
	AppendDocument(text string) error
	ReadDailyLog(date string) (string, error)
	AppendDailyLog(date, entry string) error
	ListDailyLogDates() ([]string, error)
	Search(query string, limit int) []memory.SearchResult
	Stats() (memory.Stats, error)
	Compact(ctx context.Context) (memory.CompactionResult, bool)
	RecordTurn(conversationID, role, content string) error
	OnUsage(conversationID string, used, max int)
	OnCompactionComplete(conversationID string)
	ExtractNow(ctx context.Context, conversationID string) (int, bool)
	Settings() memory.Settings
	UpdateSettings(patch memory.SettingsPatch) (memory.Settings, error)
}

type Server struct {
	svc    MemoryService
	server *mcp.Server
	log    *log.Logger
}

func NewServer(svc MemoryService, version string, l *log.Logger) *Server {
	s := &Server{svc: svc, log: logger.Component(l, "tools")}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "memclaw",
		Version: version,
	}, &mcp.ServerOptions{})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_read",
		Description: "Read the long-term knowledge document (MEMORY.md)",
	}, s.MemoryRead)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_write",
		Description: "Replace the long-term knowledge document and rebuild the search index",
	}, s.MemoryWrite)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_append",
		Description: "Append text to the knowledge document; lines of the form \"- [category] fact\" become searchable facts",
	}, s.MemoryAppend)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_search",
		Description: "Search remembered facts by keywords, best matches first",
	}, s.MemorySearch)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "daily_read",
		Description: "Read the daily log for a date (YYYY-MM-DD, default today)",
	}, s.DailyRead)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "daily_append",
		Description: "Append an entry to the daily log for a date (YYYY-MM-DD, default today)",
	}, s.DailyAppend)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "daily_list",
		Description: "List dates that have a daily log, most recent first",
	}, s.DailyList)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_stats",
		Description: "Report fact count, daily log count and pipeline counters",
	}, s.MemoryStats)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_compact",
		Description: "Consolidate the knowledge document now, merging duplicate and superseded facts",
	}, s.MemoryCompact)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_record_turn",
		Description: "Buffer one conversation message for automatic fact extraction",
	}, s.RecordTurn)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_usage",
		Description: "Report context window usage for a conversation; crossing the flush threshold triggers extraction",
	}, s.Usage)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_extract",
		Description: "Extract facts from a conversation's buffered messages now",
	}, s.Extract)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_compaction_complete",
		Description: "Tell the pipeline a conversation's context was compacted, re-arming its flush threshold",
	}, s.CompactionComplete)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_settings_get",
		Description: "Read the memory pipeline settings",
	}, s.SettingsGet)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "memory_settings_set",
		Description: "Update memory pipeline settings; omitted fields keep their current value",
	}, s.SettingsSet)

	s.server = srv
	return s
}

// MCPServer returns the underlying server, for alternative transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}

// Run serves the tools on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("serving MCP on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// --- Input types ---

type EmptyInput struct{}

type ContentInput struct {
	Content string `json:"content" jsonschema:"Markdown text to write"`
}

type SearchInput struct {
	Query string `json:"query" jsonschema:"Keywords to search for"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of results (default 10)"`
}

type DateInput struct {
	Date string `json:"date,omitempty" jsonschema:"Date in YYYY-MM-DD format; empty means today"`
}

type DailyAppendInput struct {
	Date    string `json:"date,omitempty" jsonschema:"Date in YYYY-MM-DD format; empty means today"`
	Content string `json:"content" jsonschema:"Entry to append"`
}

type RecordTurnInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation the message belongs to"`
	Role           string `json:"role" jsonschema:"Message author role (user or assistant)"`
	Content        string `json:"content" jsonschema:"Message text"`
}

type UsageInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation the report is for"`
	Used           int    `json:"used" jsonschema:"Tokens currently used in the context window"`
	Max            int    `json:"max" jsonschema:"Context window size in tokens"`
}

type ConversationInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation the call applies to"`
}

type SettingsInput struct {
	Enabled                *bool    `json:"enabled,omitempty" jsonschema:"Turn the memory pipeline on or off"`
	AutoExtract            *bool    `json:"auto_extract,omitempty" jsonschema:"Extract automatically on schedule and at the flush threshold"`
	FlushThreshold         *float64 `json:"flush_threshold,omitempty" jsonschema:"Context utilization in (0,1] that triggers a flush"`
	ExtractIntervalSeconds *int     `json:"extract_interval_seconds,omitempty" jsonschema:"Seconds between scheduled extraction sweeps"`
	MinNewMessages         *int     `json:"min_new_messages,omitempty" jsonschema:"Buffered messages a conversation needs before a sweep extracts it"`
}

func (in SettingsInput) patch() memory.SettingsPatch {
	return memory.SettingsPatch{
		Enabled:                in.Enabled,
		AutoExtract:            in.AutoExtract,
		FlushThreshold:         in.FlushThreshold,
		ExtractIntervalSeconds: in.ExtractIntervalSeconds,
		MinNewMessages:         in.MinNewMessages,
	}
}

// --- Handlers ---

func (s *Server) MemoryRead(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	doc, err := s.svc.ReadDocument()
	if err != nil {
		return toolError("Failed to read memory: %v", err), nil, nil
	}
	if strings.TrimSpace(doc) == "" {
		return toolText("(memory is empty)"), nil, nil
	}
	return toolText(doc), nil, nil
}

func (s *Server) MemoryWrite(_ context.Context, _ *mcp.CallToolRequest, in ContentInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.Content) == "" {
		return toolError("content is required"), nil, nil
	}
	if err := s.svc.WriteDocument(in.Content); err != nil {
		return toolError("Failed to write memory: %v", err), nil, nil
	}
	return toolText("Memory updated."), nil, nil
}

func (s *Server) MemoryAppend(_ context.Context, _ *mcp.CallToolRequest, in ContentInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.Content) == "" {
		return toolError("content is required"), nil, nil
	}
	if err := s.svc.AppendDocument(in.Content); err != nil {
		return toolError("Failed to append memory: %v", err), nil, nil
	}
	return toolText("Appended to memory."), nil, nil
}

func (s *Server) MemorySearch(_ context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.Query) == "" {
		return toolError("query is required"), nil, nil
	}
	if in.Limit < 0 {
		return toolError("limit must not be negative"), nil, nil
	}
	return toolJSON(s.svc.Search(in.Query, in.Limit))
}

func (s *Server) DailyRead(_ context.Context, _ *mcp.CallToolRequest, in DateInput) (*mcp.CallToolResult, any, error) {
	text, err := s.svc.ReadDailyLog(strings.TrimSpace(in.Date))
	if err != nil {
		return toolError("Failed to read daily log: %v", err), nil, nil
	}
	if strings.TrimSpace(text) == "" {
		return toolText("(no entries)"), nil, nil
	}
	return toolText(text), nil, nil
}

func (s *Server) DailyAppend(_ context.Context, _ *mcp.CallToolRequest, in DailyAppendInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.Content) == "" {
		return toolError("content is required"), nil, nil
	}
	if err := s.svc.AppendDailyLog(strings.TrimSpace(in.Date), in.Content); err != nil {
		return toolError("Failed to append daily log: %v", err), nil, nil
	}
	return toolText("Appended to daily log."), nil, nil
}

func (s *Server) DailyList(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	dates, err := s.svc.ListDailyLogDates()
	if err != nil {
		return toolError("Failed to list daily logs: %v", err), nil, nil
	}
	return toolJSON(dates)
}

func (s *Server) MemoryStats(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	stats, err := s.svc.Stats()
	if err != nil {
		return toolError("Failed to read stats: %v", err), nil, nil
	}
	return toolJSON(stats)
}

// CompactOutput is the memory_compact result; Skipped is set when nothing was written.
type CompactOutput struct {
	Skipped bool `json:"skipped"`
	memory.CompactionResult
}

func (s *Server) MemoryCompact(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	result, ok := s.svc.Compact(ctx)
	if !ok {
		return toolJSON(CompactOutput{Skipped: true})
	}
	return toolJSON(CompactOutput{CompactionResult: result})
}

func (s *Server) RecordTurn(_ context.Context, _ *mcp.CallToolRequest, in RecordTurnInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return toolError("conversation_id is required"), nil, nil
	}
	if err := s.svc.RecordTurn(in.ConversationID, in.Role, in.Content); err != nil {
		return toolError("Failed to record turn: %v", err), nil, nil
	}
	return toolText("Recorded."), nil, nil
}

func (s *Server) Usage(_ context.Context, _ *mcp.CallToolRequest, in UsageInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return toolError("conversation_id is required"), nil, nil
	}
	s.svc.OnUsage(in.ConversationID, in.Used, in.Max)
	return toolText("Usage recorded."), nil, nil
}

// ExtractOutput is the memory_extract result.
type ExtractOutput struct {
	Facts       int  `json:"facts"`
	Unavailable bool `json:"unavailable"`
}

func (s *Server) Extract(ctx context.Context, _ *mcp.CallToolRequest, in ConversationInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return toolError("conversation_id is required"), nil, nil
	}
	n, ok := s.svc.ExtractNow(ctx, in.ConversationID)
	return toolJSON(ExtractOutput{Facts: n, Unavailable: !ok})
}

func (s *Server) CompactionComplete(_ context.Context, _ *mcp.CallToolRequest, in ConversationInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return toolError("conversation_id is required"), nil, nil
	}
	s.svc.OnCompactionComplete(in.ConversationID)
	return toolText("Flush re-armed."), nil, nil
}

func (s *Server) SettingsGet(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	return toolJSON(s.svc.Settings())
}

func (s *Server) SettingsSet(_ context.Context, _ *mcp.CallToolRequest, in SettingsInput) (*mcp.CallToolResult, any, error) {
	settings, err := s.svc.UpdateSettings(in.patch())
	if err != nil {
		return toolError("Failed to update settings: %v", err), nil, nil
	}
	return toolJSON(settings)
}

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
