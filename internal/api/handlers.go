package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	ut "kyri56xcaesar/accountd/internal/utils"
	"kyri56xcaesar/accountd/pkg/accountdir"
)

/*
* request bodies
* */

type createUserRequest struct {
	Name         string `json:"name" binding:"required"`
	UID          *int   `json:"uid" binding:"required,min=0"`
	GID          *int   `json:"gid" binding:"required,min=0"`
	Hash         string `json:"hash" binding:"excluded_with=Password"`
	Password     string `json:"password"`
	Gecos        string `json:"gecos"`
	Home         string `json:"home"`
	Shell        string `json:"shell"`
	PrimaryGroup string `json:"primary_group"`
	Sudo         bool   `json:"sudo"`
}

// passwordRequest carries either a ready hash or a plaintext password.
type passwordRequest struct {
	Hash     string `json:"hash" binding:"required_without=Password,excluded_with=Password"`
	Password string `json:"password"`
}

type groupsRequest struct {
	Groups []string `json:"groups" binding:"required,min=1,dive,required"`
}

type createGroupRequest struct {
	Name    string   `json:"name" binding:"required"`
	GID     *int     `json:"gid" binding:"required,min=0"`
	Members []string `json:"members"`
}

// resolveHash returns hash, or the bcrypt hash of plain when hash is empty.
func (srv *HTTPService) resolveHash(hash, plain string) (string, error) {
	if plain == "" {
		return hash, nil
	}
	return accountdir.HashPassword(plain, accountdir.HashScheme(srv.Config.HASH_SCHEME), srv.Config.HASH_COST)
}

/*
* users
* */

func (srv *HTTPService) handleListUsers(c *gin.Context) {
	users, err := srv.Dir.ListUsers(c.Request.Context())
	if err != nil {
		srv.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// @Summary Create a user
// @Description Adds the passwd and shadow lines, the primary group when missing and optionally the sudo policy.
// @Tags users
// @Accept json
// @Produce json
// @Param request body createUserRequest true "account"
// @Success 201 {object} map[string]any "created"
// @Failure 400 {object} map[string]string "invalid input"
// @Failure 409 {object} map[string]string "duplicate user, uid or group"
// @Router /v1/users [post]
func (srv *HTTPService) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	hash, err := srv.resolveHash(req.Hash, req.Password)
	if err != nil {
		srv.respondErr(c, err)
		return
	}

	if srv.Homes != nil && req.Home != "" {
		if err := srv.Homes.Check(req.Home); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	u, err := srv.Dir.CreateUser(c.Request.Context(), accountdir.UserSpec{
		Name:         req.Name,
		UID:          *req.UID,
		GID:          *req.GID,
		Hash:         hash,
		Gecos:        req.Gecos,
		Home:         req.Home,
		Shell:        req.Shell,
		PrimaryGroup: req.PrimaryGroup,
		Sudo:         req.Sudo,
	})
	if err != nil {
		srv.respondErr(c, err)
		return
	}
	srv.Log.Infof("[%s] created user %s (uid %d, gid %d, sudo %t)", requestID(c), u.Name, u.UID, u.GID, req.Sudo)

	resp := gin.H{"user": u}
	if srv.Homes != nil {
		// the account stands even if its home could not be made
		if err := srv.Homes.Create(u.Home, u.UID, u.GID); err != nil {
			srv.Log.Errf("[%s] failed to provision home %s: %v", requestID(c), u.Home, err)
			resp["home_error"] = err.Error()
		}
	}
	c.JSON(http.StatusCreated, resp)
}

func (srv *HTTPService) handleGetUser(c *gin.Context) {
	info, err := srv.Dir.GetUser(c.Request.Context(), c.Param("name"))
	if err != nil {
		srv.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// @Summary Delete a user
// @Description Removes every trace of the account. Groups left without purpose are pruned.
// @Tags users
// @Param name path string true "username"
// @Param remove_home query bool false "also remove the home directory"
// @Router /v1/users/{name} [delete]
func (srv *HTTPService) handleDeleteUser(c *gin.Context) {
	name := c.Param("name")
	removeHome, err := strconv.ParseBool(c.DefaultQuery("remove_home", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "remove_home must be a boolean"})
		return
	}

	removed, pruned, err := srv.Dir.DeleteUser(c.Request.Context(), name)
	if err != nil {
		srv.respondErr(c, err)
		return
	}
	srv.Log.Infof("[%s] deleted user %s, pruned groups %v", requestID(c), name, pruned)

	resp := gin.H{"deleted": name, "pruned_groups": pruned}
	if removeHome && srv.Homes != nil {
		if err := srv.Homes.Remove(removed.Home); err != nil {
			srv.Log.Errf("[%s] failed to remove home %s: %v", requestID(c), removed.Home, err)
			resp["home_error"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (srv *HTTPService) handleSetPassword(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	hash, err := srv.resolveHash(req.Hash, req.Password)
	if err != nil {
		srv.respondErr(c, err)
		return
	}
	if err := srv.Dir.SetPassword(c.Request.Context(), c.Param("name"), hash); err != nil {
		srv.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "password updated"})
}

func (srv *HTTPService) handleLock(c *gin.Context) {
	if err := srv.Dir.LockAccount(c.Request.Context(), c.Param("name")); err != nil {
		srv.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "locked"})
}

func (srv *HTTPService) handleUnlock(c *gin.Context) {
	if err := srv.Dir.UnlockAccount(c.Request.Context(), c.Param("name")); err != nil {
		srv.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unlocked"})
}

func (srv *HTTPService) handleJoinGroups(c *gin.Context) {
	var req groupsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := srv.Dir.AddUserToGroups(c.Request.Context(), c.Param("name"), req.Groups); err != nil {
		srv.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": c.Param("name"), "joined": req.Groups})
}

func (srv *HTTPService) handleLeaveGroups(c *gin.Context) {
	var req groupsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := srv.Dir.RemoveUserFromGroups(c.Request.Context(), c.Param("name"), req.Groups); err != nil {
		srv.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": c.Param("name"), "left": req.Groups})
}

/*
* groups
* */

func (srv *HTTPService) handleListGroups(c *gin.Context) {
	groups, err := srv.Dir.ListGroups(c.Request.Context())
	if err != nil {
		srv.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (srv *HTTPService) handleCreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	g, err := srv.Dir.CreateGroup(c.Request.Context(), req.Name, *req.GID, req.Members)
	if err != nil {
		srv.respondErr(c, err)
		return
	}
	srv.Log.Infof("[%s] created group %s (gid %d)", requestID(c), g.Name, g.GID)
	c.JSON(http.StatusCreated, gin.H{"group": g})
}

func (srv *HTTPService) handleDeleteGroup(c *gin.Context) {
	name := c.Param("name")
	if err := srv.Dir.DeleteGroup(c.Request.Context(), name); err != nil {
		srv.respondErr(c, err)
		return
	}
	srv.Log.Infof("[%s] deleted group %s", requestID(c), name)
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

// handlePeers lists the homes of everyone sharing one of the given groups.
// gid may repeat or hold a comma separated list.
func (srv *HTTPService) handlePeers(c *gin.Context) {
	gids, err := ut.SplitAllToInt(c.QueryArray("gid"), ",")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	peers, err := srv.Dir.GroupPeerHomes(c.Request.Context(), gids, c.Query("exclude"))
	if err != nil {
		srv.respondErr(c, err)
		return
	}
	if peers == nil {
		peers = []accountdir.PeerHome{}
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

/*
* admin
* */

func (srv *HTTPService) handleReconcile(c *gin.Context) {
	repair, err := strconv.ParseBool(c.DefaultQuery("repair", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repair must be a boolean"})
		return
	}
	rep, err := srv.Dir.Reconcile(c.Request.Context(), repair)
	if err != nil {
		srv.respondErr(c, err)
		return
	}
	for _, issue := range rep.Issues {
		srv.Log.Warnf("[%s] reconcile: %s", requestID(c), issue)
	}
	outstanding := rep.Outstanding()
	if outstanding == nil {
		outstanding = []accountdir.Issue{}
	}
	issues := rep.Issues
	if issues == nil {
		issues = []accountdir.Issue{}
	}
	c.JSON(http.StatusOK, gin.H{
		"clean":       rep.Clean(),
		"repair":      repair,
		"issues":      issues,
		"outstanding": outstanding,
	})
}
