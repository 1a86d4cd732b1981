package internal

import (
	"context"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spotthebot/internal/fault"
	"spotthebot/internal/friend"
	"spotthebot/internal/invitation"
	"spotthebot/internal/kv"
	"spotthebot/internal/marker"
	"spotthebot/internal/trust"
	"spotthebot/internal/user"
)

const (
	defaultTop = 10
	maxTop     = 100
)

func Me(users *user.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := users.Get(c.Request.Context(), uid(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, meResponse{User: u, Stats: newRatesResponse(u.Rates)})
	}
}

// PATCH /api/me  {public_name?, face?}
func UpdateMe(users *user.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PublicName *string `json:"public_name"`
			Face       *string `json:"face"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
			return
		}
		id := uid(c)
		if err := users.Put(c.Request.Context(), id, user.Patch{PublicName: req.PublicName, Face: req.Face}); err != nil {
			fail(c, err)
			return
		}
		logAction(c, id, "update_profile")
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func DeleteMe(users *user.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uid(c)
		if err := users.Delete(c.Request.Context(), id); err != nil {
			fail(c, err)
			return
		}
		logAction(c, id, "delete_account")
		c.SetCookie(cookieName, "", -1, "/", "", false, true)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// ------------------- Rounds -------------------

// POST /api/rounds/start
func StartRound(tr *trust.Updater) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uid(c)
		penalized, err := tr.StartRound(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		if penalized {
			logAction(c, id, "round_abandoned")
		}
		c.JSON(http.StatusOK, gin.H{"penalized": penalized})
	}
}

// POST /api/rounds/resolve
// Markers are the bot features the player pointed out, so they may only
// come with a bot classification; they are credited when it was right.
// The rates and the markers are written in one batch.
func ResolveRound(tr *trust.Updater, markers *marker.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
			return
		}
		o := trust.Outcome{
			ClassifiedPositive: req.ClassifiedPositive,
			ActuallyPositive:   req.ActuallyPositive,
			Points:             req.Points,
			MaxPoints:          req.MaxPoints,
		}
		if err := o.Validate(); err != nil {
			fail(c, err)
			return
		}

		var also func(tx kv.Tx) error
		if len(req.Markers) > 0 {
			if !req.ClassifiedPositive {
				fail(c, fault.ErrUnflaggedMarkers)
				return
			}
			if err := marker.Validate(req.Markers); err != nil {
				fail(c, err)
				return
			}
			also = func(tx kv.Tx) error {
				return marker.UpdateTx(tx, req.Markers, req.ActuallyPositive)
			}
		}

		ctx := c.Request.Context()
		id := uid(c)
		rates, err := tr.ResolveRoundWith(ctx, id, o, also)
		if err != nil {
			fail(c, err)
			return
		}
		if also != nil {
			markers.Settle(ctx)
		}
		logAction(c, id, "round_resolved",
			zap.String("outcome", o.Name()),
			zap.Int("markers", len(req.Markers)))
		c.JSON(http.StatusOK, newRatesResponse(rates))
	}
}

func Stats(tr *trust.Updater) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := tr.Rates(c.Request.Context(), uid(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stats": newRatesResponse(rec.Rates), "penalty": rec.Penalty})
	}
}

// ------------------- Markers -------------------

// GET /api/markers/best?n=&min_count=
func BestMarkers(markers *marker.Store, minCount int) gin.HandlerFunc {
	return rankedMarkers(markers.MostSuccessful, minCount)
}

// GET /api/markers/worst?n=&min_count=
func WorstMarkers(markers *marker.Store, minCount int) gin.HandlerFunc {
	return rankedMarkers(markers.LeastSuccessful, minCount)
}

type rankFunc func(ctx context.Context, n, minCount int) ([]marker.Ranked, error)

func rankedMarkers(rank rankFunc, minCount int) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := queryInt(c, "n", defaultTop, maxTop)
		if !ok {
			return
		}
		floor, ok := queryInt(c, "min_count", minCount, math.MaxInt32)
		if !ok {
			return
		}
		out, err := rank(c.Request.Context(), n, floor)
		if err != nil {
			fail(c, err)
			return
		}
		if out == nil {
			out = []marker.Ranked{}
		}
		c.JSON(http.StatusOK, out)
	}
}

// GET /api/markers/popular?n=
func PopularMarkers(markers *marker.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := queryInt(c, "n", defaultTop, maxTop)
		if !ok {
			return
		}
		out, err := markers.ByCount(c.Request.Context(), n)
		if err != nil {
			fail(c, err)
			return
		}
		if out == nil {
			out = []marker.Counted{}
		}
		c.JSON(http.StatusOK, out)
	}
}

// ------------------- Friends -------------------

func Friends(graph *friend.Graph) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := graph.Neighbors(c.Request.Context(), uid(c))
		if err != nil {
			fail(c, err)
			return
		}
		if out == nil {
			out = []friend.Friend{}
		}
		c.JSON(http.StatusOK, out)
	}
}

// DELETE /api/friends/:id
func Unfriend(graph *friend.Graph) gin.HandlerFunc {
	return func(c *gin.Context) {
		other, ok := paramID(c)
		if !ok {
			return
		}
		id := uid(c)
		if err := graph.Disconnect(c.Request.Context(), id, other); err != nil {
			fail(c, err)
			return
		}
		logAction(c, id, "unfriend", zap.Int64("friend_id", other))
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// ------------------- Invitations -------------------

// POST /api/invitations
func IssueInvitation(inv *invitation.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uid(c)
		token, err := inv.Issue(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		logAction(c, id, "issue_invitation")
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

// POST /api/invitations/:token/accept
func AcceptInvitation(inv *invitation.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uid(c)
		inviter, err := inv.Accept(c.Request.Context(), c.Param("token"), id)
		if err != nil {
			fail(c, err)
			return
		}
		logAction(c, id, "accept_invitation", zap.Int64("inviter_id", inviter))
		c.JSON(http.StatusOK, gin.H{"inviter": inviter})
	}
}

// ------------------- Admin -------------------

func AdminMarker(markers *marker.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := markers.Get(c.Request.Context(), c.Param("label"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"label":         m.Label,
			"total_count":   m.TotalCount,
			"correct_count": m.CorrectCount,
			"success_ratio": m.SuccessRatio(),
		})
	}
}

func AdminRemoveMarker(markers *marker.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		label := c.Param("label")
		if err := markers.Remove(c.Request.Context(), label); err != nil {
			fail(c, err)
			return
		}
		logAction(c, uid(c), "admin_remove_marker", zap.String("label", label))
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// POST /api/admin/markers/evict
func AdminEvict(markers *marker.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := markers.Evict(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		left, err := markers.Len(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		logAction(c, uid(c), "admin_evict", zap.Int("evicted", n))
		c.JSON(http.StatusOK, gin.H{"evicted": n, "markers": left})
	}
}

func AdminUser(users *user.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		u, err := users.Get(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, meResponse{User: u, Stats: newRatesResponse(u.Rates)})
	}
}

// POST /api/admin/users/:id/penalty  {penalty}
func AdminSetPenalty(users *user.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		var req struct {
			Penalty *bool `json:"penalty"`
		}
		if err := c.BindJSON(&req); err != nil || req.Penalty == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "penalty required"})
			return
		}
		if err := users.Put(c.Request.Context(), id, user.Patch{Penalty: req.Penalty}); err != nil {
			fail(c, err)
			return
		}
		logAction(c, uid(c), "admin_set_penalty", zap.Int64("target_id", id), zap.Bool("penalty", *req.Penalty))
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func AdminDeleteUser(users *user.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		if err := users.Delete(c.Request.Context(), id); err != nil {
			fail(c, err)
			return
		}
		logAction(c, uid(c), "admin_delete_user", zap.Int64("target_id", id))
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
