package orchestrator

import (
	"context"

	"github.com/crosswire-id/crosswire/internal/cache"
	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/provider"
)

// ListUsers reads one provider's user set through the cache. A fresh
// listing is served without a wire call; concurrent misses coalesce into
// a single provider drain.
func (o *Orchestrator) ListUsers(ctx context.Context, providerName string) ([]canon.User, error) {
	a, err := o.reg.Get(providerName)
	if err != nil {
		return nil, err
	}
	key := cache.UserListKey(providerName)
	v, err := o.cache.GetOrLoad(ctx, key, o.cache.CollectionTTL(), func(ctx context.Context) (any, []string, error) {
		var emails []string
		cursor := ""
		for {
			var page provider.UserPage
			err := o.call(ctx, providerName, func(ctx context.Context) error {
				var err error
				page, err = a.ListUsers(ctx, cursor)
				return err
			})
			if err != nil {
				return nil, nil, err
			}
			for _, u := range page.Users {
				email := canon.NormalizeEmail(u.PrimaryEmail)
				u.PrimaryEmail = email
				o.cache.Put(cache.UserKey(email), u, []string{providerName})
				emails = append(emails, email)
			}
			if page.NextCursor == "" {
				return emails, []string{providerName}, nil
			}
			cursor = page.NextCursor
		}
	})
	if err != nil {
		return nil, err
	}

	emails, _ := v.([]string)
	users := make([]canon.User, 0, len(emails))
	for _, email := range emails {
		if cached, ok := o.cache.Get(cache.UserKey(email)); ok {
			if u, ok := cached.(canon.User); ok {
				users = append(users, u)
				continue
			}
		}
		// Entity evicted under the listing's TTL; refetch just this one.
		var u canon.User
		err := o.call(ctx, providerName, func(ctx context.Context) error {
			var err error
			u, err = a.GetUser(ctx, email)
			return err
		})
		if err != nil {
			return nil, err
		}
		o.cache.Put(cache.UserKey(email), u, []string{providerName})
		users = append(users, u)
	}
	return users, nil
}

// GetUser reads a single user through the cache.
func (o *Orchestrator) GetUser(ctx context.Context, providerName, email string) (canon.User, error) {
	a, err := o.reg.Get(providerName)
	if err != nil {
		return canon.User{}, err
	}
	email = canon.NormalizeEmail(email)
	v, err := o.cache.GetOrLoad(ctx, cache.UserKey(email), o.cache.EntityTTL(), func(ctx context.Context) (any, []string, error) {
		var u canon.User
		err := o.call(ctx, providerName, func(ctx context.Context) error {
			var err error
			u, err = a.GetUser(ctx, email)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		return u, []string{providerName}, nil
	})
	if err != nil {
		return canon.User{}, err
	}
	u, _ := v.(canon.User)
	return u, nil
}
