// Package mcpserver exposes message search as an MCP tool over stdio.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"chatsearch/internal/chat"
	"chatsearch/internal/search"
)

type Searcher interface {
	Search(ctx context.Context, text string, opts search.Options) ([]search.Result, error)
}

// Linker builds deep links for results. Optional.
type Linker interface {
	Link(ref chat.MessageRef) string
}

type Server struct {
	searcher Searcher
	linker   Linker
	server   *mcp.Server
}

func New(searcher Searcher, linker Linker, version string) *Server {
	impl := &mcp.Implementation{Name: "chatsearch", Version: version}

	s := &Server{
		searcher: searcher,
		linker:   linker,
		server:   mcp.NewServer(impl, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search",
		Description: "Hybrid semantic and keyword search over indexed chat messages",
	}, s.handleSearch)

	return s
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

type SearchInput struct {
	Query  string `json:"query" jsonschema:"natural language search query"`
	Dense  *bool  `json:"dense,omitempty" jsonschema:"use the semantic branch (default true)"`
	BM25   *bool  `json:"bm25,omitempty" jsonschema:"use the keyword branch (default true)"`
	Filter string `json:"filter,omitempty" jsonschema:"only return messages containing all of these words"`
	Offset int    `json:"offset,omitempty" jsonschema:"number of fused results to skip"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of results to return (default 10)"`
}

type SearchOutput struct {
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

type SearchResult struct {
	Score     float64 `json:"score"`
	GuildID   chat.ID `json:"guildId"`
	ChannelID chat.ID `json:"channelId"`
	MessageID chat.ID `json:"messageId"`
	Author    string  `json:"author,omitempty"`
	Content   string  `json:"content"`
	Link      string  `json:"link,omitempty"`
}

func (s *Server) handleSearch(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	opts := search.DefaultOptions()
	if input.Dense != nil {
		opts.Dense = *input.Dense
	}
	if input.BM25 != nil {
		opts.Sparse = *input.BM25
	}
	if input.Offset < 0 {
		return nil, SearchOutput{}, fmt.Errorf("offset must not be negative")
	}
	if input.Limit > 0 {
		opts.Limit = input.Limit
	}
	opts.Filter = input.Filter
	opts.Offset = input.Offset

	results, err := s.searcher.Search(ctx, input.Query, opts)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	output := SearchOutput{
		Results: make([]SearchResult, len(results)),
		Count:   len(results),
	}
	for i, res := range results {
		output.Results[i] = SearchResult{
			Score:     res.Score,
			GuildID:   res.GuildID,
			ChannelID: res.ChannelID,
			MessageID: res.MessageID,
			Author:    res.Author,
			Content:   res.Text,
		}
		if s.linker != nil {
			output.Results[i].Link = s.linker.Link(res.Ref())
		}
	}

	return nil, output, nil
}
