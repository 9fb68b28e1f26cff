package restapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/matheus3301/socialchat/internal/wire"
)

// UserProfile fetches the extended profile of a user.
func (c *Client) UserProfile(ctx context.Context, userID int64) (*wire.Profile, error) {
	var out wire.Profile
	if err := c.call(ctx, http.MethodGet, "/api/user/profile/"+strconv.FormatInt(userID, 10), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// User fetches the basic account record of a user.
func (c *Client) User(ctx context.Context, userID int64) (*wire.User, error) {
	var out wire.User
	if err := c.call(ctx, http.MethodGet, "/api/user/"+strconv.FormatInt(userID, 10), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentUser returns the account the token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*wire.User, error) {
	var out wire.User
	if err := c.call(ctx, http.MethodGet, "/api/user/current", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
