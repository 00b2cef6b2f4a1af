package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/krau/tailtagger/classifier"
	"github.com/krau/tailtagger/config"
)

var errUnauthorized = errors.New("unauthorized")

func authenticate(c *gin.Context) error {
	auth := c.GetHeader("Authorization")

	expectedToken := config.C().Token
	if expectedToken == "" {
		return nil
	}
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		return errUnauthorized
	}

	return nil
}

// PredictHandler accepts one uploaded image, blocks on its analysis
// request and answers with the suggestions above the threshold. The
// manager itself never blocks; waiting on the request channel happens
// here, on the HTTP handler's own goroutine.
func PredictHandler(c *gin.Context) {
	if err := authenticate(c); err != nil {
		c.JSON(401, gin.H{"error": "认证失败"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(400, gin.H{"error": "未上传文件"})
		return
	}

	threshold := config.C().Threshold
	if t := c.Query("threshold"); t != "" {
		v, err := strconv.ParseFloat(t, 32)
		if err != nil || v < -1 || v > 1 {
			c.JSON(400, gin.H{"error": "无效的阈值"})
			return
		}
		threshold = float32(v)
	}

	path, cleanup, err := saveUpload(fileHeader)
	if err != nil {
		c.JSON(400, gin.H{"error": "无法保存上传的文件"})
		return
	}
	defer cleanup()

	req, err := manager.RequestAnalysis(path)
	if err != nil {
		c.JSON(503, gin.H{"error": "没有可用的分类模型"})
		return
	}

	for event := range req.Events {
		switch event.Kind {
		case classifier.EventStarted:
			continue
		case classifier.EventError:
			slog.Error("Prediction failed",
				slog.String("request", event.RequestID.String()),
				slog.String("error", event.Err))
			c.JSON(500, gin.H{"error": "推理失败"})
			return
		case classifier.EventFinished:
			items := make([]classifier.TagScore, 0, len(event.Results))
			for _, r := range event.Results {
				if r.Score >= threshold {
					items = append(items, r)
				}
			}
			predicted := make([]string, 0, len(items))
			scores := make(map[string]float32, len(items))
			for _, it := range items {
				predicted = append(predicted, it.Tag)
				scores[it.Tag] = it.Score
			}
			c.JSON(200, gin.H{
				"request_id":     event.RequestID.String(),
				"model":          manager.ActiveModelID(),
				"predicted_tags": predicted,
				"scores":         scores,
			})
			return
		}
	}
	c.JSON(500, gin.H{"error": "推理失败"})
}

// ModelsHandler lists the discovered models.
func ModelsHandler(c *gin.Context) {
	active := manager.ActiveModelID()
	models := make([]gin.H, 0)
	for _, desc := range manager.Models() {
		models = append(models, gin.H{
			"id":           desc.ID,
			"display_name": desc.DisplayName,
			"architecture": string(desc.Kind),
			"active":       desc.ID == active,
		})
	}
	c.JSON(200, gin.H{"models": models, "state": string(manager.State())})
}

// SwitchModelHandler makes another installed model active. The old
// model unloads once its in-flight analyses finish.
func SwitchModelHandler(c *gin.Context) {
	if err := authenticate(c); err != nil {
		c.JSON(401, gin.H{"error": "认证失败"})
		return
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := c.BindJSON(&body); err != nil || body.ID == "" {
		c.JSON(400, gin.H{"error": "缺少模型 id"})
		return
	}
	switch err := manager.SwitchActiveModel(body.ID); {
	case errors.Is(err, classifier.ErrUnknownModel):
		c.JSON(404, gin.H{"error": "未知模型"})
	case errors.Is(err, classifier.ErrLoadInProgress):
		c.JSON(409, gin.H{"error": "模型正在加载"})
	case err != nil:
		c.JSON(500, gin.H{"error": err.Error()})
	default:
		c.JSON(200, gin.H{"active": body.ID})
	}
}

func HealthHandler(c *gin.Context) {
	c.JSON(200, gin.H{
		"status": "healthy",
		"state":  string(manager.State()),
		"model":  manager.ActiveModelID(),
	})
}

// saveUpload spools the multipart file to disk; adapters read images by
// path, never from memory.
func saveUpload(fh *multipart.FileHeader) (string, func(), error) {
	src, err := fh.Open()
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	dst, err := os.CreateTemp("", "tailtagger-*"+filepath.Ext(fh.Filename))
	if err != nil {
		return "", nil, err
	}
	path := dst.Name()
	cleanup := func() { os.Remove(path) }

	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		cleanup()
		return "", nil, err
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}
