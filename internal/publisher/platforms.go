package publisher

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tbourn/go-publish-backend/internal/domain"
)

// The seven adapter variants. Each one differs in payload shape and in how
// the idempotency key reaches the platform; the transport plumbing and the
// response classification are shared through restClient.

// xPublisher posts short-form text. X has no idempotency header, so the key
// travels as a client-generated dedupe id the API folds into its duplicate
// detection.
type xPublisher struct {
	rest *restClient
	base string
}

func (p *xPublisher) Platform() domain.Platform { return domain.PlatformX }

func (p *xPublisher) Publish(ctx context.Context, req Request) Result {
	payload := map[string]any{
		"text":      joinBodyAndTags(req.Content.Body, req.Content.Hashtags),
		"dedupe_id": req.IdempotencyKey,
	}
	if len(req.Content.MediaURLs) > 0 {
		payload["media"] = map[string]any{"media_urls": req.Content.MediaURLs}
	}
	post, res, ok := p.rest.postJSON(ctx, p.base+"/tweets", req.Account.AccessToken, nil, payload)
	if !ok {
		return res
	}
	link := post.link()
	if link == "" {
		link = fmt.Sprintf("https://x.com/i/status/%s", post.ID)
	}
	return Success(post.ID, link)
}

// linkedInPublisher posts to the professional network using its native
// idempotent-create header.
type linkedInPublisher struct {
	rest *restClient
	base string
}

func (p *linkedInPublisher) Platform() domain.Platform { return domain.PlatformLinkedIn }

func (p *linkedInPublisher) Publish(ctx context.Context, req Request) Result {
	payload := map[string]any{
		"author":     "urn:li:organization:" + req.Account.ExternalID,
		"commentary": joinBodyAndTags(req.Content.Body, req.Content.Hashtags),
		"visibility": "PUBLIC",
	}
	if len(req.Content.MediaURLs) > 0 {
		payload["content"] = map[string]any{"media": req.Content.MediaURLs}
	}
	headers := map[string]string{"X-Restli-Idempotency-Token": req.IdempotencyKey}
	post, res, ok := p.rest.postJSON(ctx, p.base+"/posts", req.Account.AccessToken, headers, payload)
	if !ok {
		return res
	}
	return Success(post.ID, post.link())
}

// instagramPublisher publishes to the image network. The Graph-style API
// requires at least one media URL; text-only content is rejected before any
// network call.
type instagramPublisher struct {
	rest *restClient
	base string
}

func (p *instagramPublisher) Platform() domain.Platform { return domain.PlatformInstagram }

func (p *instagramPublisher) Publish(ctx context.Context, req Request) Result {
	if len(req.Content.MediaURLs) == 0 {
		return Permanent("content rejected: instagram requires at least one media item")
	}
	payload := map[string]any{
		"image_url":    req.Content.MediaURLs[0],
		"caption":      joinBodyAndTags(req.Content.Body, req.Content.Hashtags),
		"client_token": req.IdempotencyKey,
	}
	post, res, ok := p.rest.postJSON(ctx, fmt.Sprintf("%s/%s/media_publish", p.base, req.Account.ExternalID), req.Account.AccessToken, nil, payload)
	if !ok {
		return res
	}
	return Success(post.ID, post.link())
}

// tikTokPublisher publishes short-form video via direct post, using the
// native Idempotency-Key header.
type tikTokPublisher struct {
	rest *restClient
	base string
}

func (p *tikTokPublisher) Platform() domain.Platform { return domain.PlatformTikTok }

func (p *tikTokPublisher) Publish(ctx context.Context, req Request) Result {
	if len(req.Content.MediaURLs) == 0 {
		return Permanent("content rejected: tiktok requires a video")
	}
	payload := map[string]any{
		"post_info": map[string]any{
			"title": joinBodyAndTags(req.Content.Body, req.Content.Hashtags),
		},
		"source_info": map[string]any{
			"source":    "PULL_FROM_URL",
			"video_url": req.Content.MediaURLs[0],
		},
	}
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	post, res, ok := p.rest.postJSON(ctx, p.base+"/post/publish/video/init/", req.Account.AccessToken, headers, payload)
	if !ok {
		return res
	}
	return Success(post.ID, post.link())
}

// redditPublisher posts to the forum. Reddit offers no dedupe primitive, so
// the adapter runs pre-check-then-create: look the key up first, and reuse
// the existing submission when a crashed earlier attempt already landed.
type redditPublisher struct {
	rest *restClient
	base string
}

func (p *redditPublisher) Platform() domain.Platform { return domain.PlatformReddit }

func (p *redditPublisher) Publish(ctx context.Context, req Request) Result {
	lookup := fmt.Sprintf("%s/submission_by_client_key?key=%s", p.base, url.QueryEscape(req.IdempotencyKey))
	var existing postResponse
	found, res, ok := p.rest.getJSON(ctx, lookup, req.Account.AccessToken, &existing)
	if !ok {
		return res
	}
	if found && existing.ID != "" {
		return Success(existing.ID, existing.link())
	}

	payload := map[string]any{
		"sr":         req.Account.ExternalID,
		"kind":       "self",
		"title":      firstLine(req.Content.Body),
		"text":       joinBodyAndTags(req.Content.Body, req.Content.Hashtags),
		"client_key": req.IdempotencyKey,
	}
	post, res, ok := p.rest.postJSON(ctx, p.base+"/submit", req.Account.AccessToken, nil, payload)
	if !ok {
		return res
	}
	return Success(post.ID, post.link())
}

// facebookPublisher posts to the broadcast network; the key rides along as a
// client-generated dedupe field on the page feed call.
type facebookPublisher struct {
	rest *restClient
	base string
}

func (p *facebookPublisher) Platform() domain.Platform { return domain.PlatformFacebook }

func (p *facebookPublisher) Publish(ctx context.Context, req Request) Result {
	payload := map[string]any{
		"message":        joinBodyAndTags(req.Content.Body, req.Content.Hashtags),
		"client_post_id": req.IdempotencyKey,
	}
	if len(req.Content.MediaURLs) > 0 {
		payload["link"] = req.Content.MediaURLs[0]
	}
	post, res, ok := p.rest.postJSON(ctx, fmt.Sprintf("%s/%s/feed", p.base, req.Account.ExternalID), req.Account.AccessToken, nil, payload)
	if !ok {
		return res
	}
	return Success(post.ID, post.link())
}

// threadsPublisher posts to the micro-blog, with the key in the native
// Idempotency-Key header.
type threadsPublisher struct {
	rest *restClient
	base string
}

func (p *threadsPublisher) Platform() domain.Platform { return domain.PlatformThreads }

func (p *threadsPublisher) Publish(ctx context.Context, req Request) Result {
	payload := map[string]any{
		"media_type": "TEXT",
		"text":       joinBodyAndTags(req.Content.Body, req.Content.Hashtags),
	}
	if len(req.Content.MediaURLs) > 0 {
		payload["media_type"] = "IMAGE"
		payload["image_url"] = req.Content.MediaURLs[0]
	}
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	post, res, ok := p.rest.postJSON(ctx, fmt.Sprintf("%s/%s/threads_publish", p.base, req.Account.ExternalID), req.Account.AccessToken, headers, payload)
	if !ok {
		return res
	}
	return Success(post.ID, post.link())
}

// joinBodyAndTags appends hashtags to the rendered body, skipping tags the
// body already contains.
func joinBodyAndTags(body string, tags []string) string {
	out := strings.TrimSpace(body)
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		if strings.Contains(out, tag) {
			continue
		}
		out += " " + tag
	}
	return out
}

// firstLine derives a title from the body for platforms that need one.
func firstLine(body string) string {
	body = strings.TrimSpace(body)
	if i := strings.IndexByte(body, '\n'); i > 0 {
		body = body[:i]
	}
	const max = 120
	if len(body) > max {
		return body[:max]
	}
	return body
}
