package menu

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Positioner receives the conversational position after a keyword hit. The
// session record implements it; updates are best-effort.
type Positioner interface {
	SetCurrentMenu(groupID int64)
}

// Resolver turns an inbound text into the reply text. Resolution order:
// literal "menu", exact keyword match (children before content), description
// search, and finally the main-menu listing so no input ever dead-ends.
type Resolver struct {
	store   Store
	fetcher Fetcher
	groupID int64
	log     zerolog.Logger
}

func NewResolver(store Store, fetcher Fetcher, mainGroupID int64, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		fetcher: fetcher,
		groupID: mainGroupID,
		log:     log.With().Str("component", "resolver").Logger(),
	}
}

const (
	underDevelopmentMsg = "This menu is still under development. Please check back later.\n\n" + Footer
	emptyMenuMsg        = "This menu has no content yet. Please contact the administrator.\n\n" + Footer
)

func (r *Resolver) Resolve(ctx context.Context, text string, pos Positioner) string {
	input := strings.ToLower(strings.TrimSpace(text))

	if input == "menu" {
		return r.mainMenu(ctx)
	}

	if entry, ok := r.store.FindByKeyword(ctx, input); ok {
		if pos != nil {
			pos.SetCurrentMenu(entry.GroupID)
		}
		return r.resolveEntry(ctx, entry)
	}

	if input != "" {
		if matches := r.store.SearchByDescription(ctx, input); len(matches) > 0 {
			return listEntries("Did you mean one of these?", matches)
		}
	}

	return r.mainMenu(ctx)
}

// resolveEntry picks what a matched entry yields. A submenu always wins over
// whatever content the entry also carries.
func (r *Resolver) resolveEntry(ctx context.Context, e Entry) string {
	if children := r.store.Children(ctx, e.ID); len(children) > 0 {
		return listEntries(e.Description, children)
	}

	switch e.Content.Kind {
	case ExternalURL:
		content, ok := r.fetcher.Fetch(ctx, e.Content.URL)
		if !ok {
			return content
		}
		return fmt.Sprintf("*%s*\n\n%s\n\n%s", e.Description, content, Footer)
	case UnderDevelopment:
		return underDevelopmentMsg
	default:
		return emptyMenuMsg
	}
}

func (r *Resolver) mainMenu(ctx context.Context) string {
	entries := r.store.TopLevel(ctx, r.groupID)
	if len(entries) == 0 {
		r.log.Warn().Int64("group", r.groupID).Msg("main menu is empty")
		return emptyMenuMsg
	}
	return listEntries("Hello! Here is what I can help you with:", entries)
}

func listEntries(header string, entries []Entry) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "*%s*. %s\n", e.Keyword, e.Description)
	}
	b.WriteString("\n")
	b.WriteString(Footer)
	return b.String()
}
