package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vidfriends/vidgen/internal/generation"
	"github.com/vidfriends/vidgen/internal/models"
	"github.com/vidfriends/vidgen/internal/quota"
	"github.com/vidfriends/vidgen/internal/studio"
)

const (
	studioShutdownTimeout = 10 * time.Second
	snapshotInterval      = time.Second
	promptColumnWidth     = 48
)

func runRegister(ctx context.Context, out io.Writer, args []string) error {
	fs := newFlagSet("register")
	creds := credentialFlags(fs)
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := creds()

	ctx, env, err := openEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	cred, err := env.deps.Auth.Register(ctx, c.Email, c.Password, *name)
	if err != nil {
		return fmt.Errorf("register %s: %w", c.Email, err)
	}

	// The first sign-in creates the profile row.
	return env.signedIn(ctx, c, func(_ context.Context, s *session) error {
		fmt.Fprintf(out, "registered %s (%s), tier %s\n", cred.Email, s.user.AuthID, s.user.Tier)
		return nil
	})
}

func runGenerate(ctx context.Context, out io.Writer, args []string) error {
	fs := newFlagSet("generate")
	creds := credentialFlags(fs)
	aspect := fs.String("aspect", "", "aspect ratio 16:9, 9:16 or 1:1 (default: saved preference)")
	duration := fs.Float64("duration", 0, "duration in seconds (default: saved preference)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ratio, err := parseAspectRatio(*aspect)
	if err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))

	return withSession(ctx, creds(), func(ctx context.Context, s *session) error {
		st, err := buildStudio(s.cfg, s.deps.Gateway, s.logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), studioShutdownTimeout)
			defer cancel()
			if err := st.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("shut down studio", "error", err)
			}
		}()

		updates, unsubscribe := st.Subscribe()
		defer unsubscribe()

		taskID, err := st.Enqueue(ctx, studio.Request{Prompt: prompt, AspectRatio: ratio, Duration: *duration})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued task %s\n", taskID)
		return followTask(ctx, out, st, taskID, updates)
	})
}

// taskBoard is the part of the studio followTask drives.
type taskBoard interface {
	Cancel(taskID string) error
	Snapshot() []studio.TaskView
}

// followTask prints progress for taskID until it reaches a terminal phase.
// When ctx ends the task is cancelled and followed to its end.
func followTask(ctx context.Context, out io.Writer, board taskBoard, taskID string, updates <-chan studio.Update) error {
	interrupted := ctx.Done()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	lastPct := -1
	report := func(phase studio.Phase, progress float64, status string) {
		pct := int(progress * 100)
		if pct == lastPct && !phase.Terminal() {
			return
		}
		lastPct = pct
		fmt.Fprintf(out, "%-10s %3d%% %s\n", phase, pct, status)
	}

	for {
		select {
		case <-interrupted:
			interrupted = nil
			switch err := board.Cancel(taskID); {
			case errors.Is(err, studio.ErrUploading):
				fmt.Fprintln(out, "upload already started, waiting for it to finish")
			case err != nil && !errors.Is(err, studio.ErrUnknownTask):
				return err
			}
		case u, ok := <-updates:
			if !ok {
				return studio.ErrClosed
			}
			if u.TaskID != taskID {
				continue
			}
			report(u.Phase, u.Progress, u.Status)
			if u.Phase.Terminal() {
				return taskOutcome(out, u.Phase, u.Message, u.VideoURL)
			}
		case <-ticker.C:
			// Subscribers may miss updates when they fall behind; the board does not.
			for _, view := range board.Snapshot() {
				if view.TaskID == taskID && view.Phase.Terminal() {
					report(view.Phase, view.Progress, view.Status)
					return taskOutcome(out, view.Phase, view.Message, view.VideoURL)
				}
			}
		}
	}
}

func taskOutcome(out io.Writer, phase studio.Phase, message, videoURL string) error {
	switch phase {
	case studio.PhaseCompleted:
		fmt.Fprintln(out, videoURL)
		return nil
	case studio.PhaseCancelled:
		return generation.ErrCancelled
	default:
		if message == "" {
			message = "generation failed"
		}
		return errors.New(message)
	}
}

func runVideos(ctx context.Context, out io.Writer, args []string) error {
	fs := newFlagSet("videos")
	creds := credentialFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(ctx, creds(), func(ctx context.Context, s *session) error {
		videos, err := s.deps.Gateway.LoadUserVideos(ctx)
		if err != nil {
			return err
		}
		if len(videos) == 0 {
			fmt.Fprintln(out, "no videos yet")
			return nil
		}
		return writeVideoTable(out, videos)
	})
}

func writeVideoTable(out io.Writer, videos []models.Video) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tSHAPE\tPROMPT")
	for _, v := range videos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %.0fs\t%s\n",
			v.ID, v.Status, v.CreatedAt.Local().Format(time.DateTime), v.AspectRatio, v.Duration, truncate(v.Prompt, promptColumnWidth))
	}
	return tw.Flush()
}

func runUsage(ctx context.Context, out io.Writer, args []string) error {
	fs := newFlagSet("usage")
	creds := credentialFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(ctx, creds(), func(ctx context.Context, s *session) error {
		usage, err := s.deps.Gateway.StorageUsage(ctx)
		if err != nil {
			return err
		}

		user := s.user
		quota.ApplyDailyResetIfNeeded(&user, time.Now().UTC())

		fmt.Fprintf(out, "tier:          %s\n", user.Tier)
		fmt.Fprintf(out, "generations:   %d of %d left today\n", quota.RemainingGenerationsToday(user), quota.DailyGenerationLimit(user.Tier))
		fmt.Fprintf(out, "videos:        %d\n", usage.TotalFiles)
		fmt.Fprintf(out, "storage:       %s used, %s available (%.0f%%)\n",
			formatBytes(usage.TotalSizeBytes), formatBytes(usage.AvailableBytes), usage.UsagePercentage*100)
		if quota.IsStorageNearLimit(user) {
			fmt.Fprintln(out, "warning: storage is nearly full")
		}
		return nil
	})
}

func runPrefs(ctx context.Context, out io.Writer, args []string) error {
	fs := newFlagSet("prefs")
	creds := credentialFlags(fs)
	name := fs.String("name", "", "display name")
	aspect := fs.String("aspect", "", "default aspect ratio")
	duration := fs.Float64("duration", 0, "default duration in seconds")
	notify := fs.String("notifications", "", "on or off")
	if err := fs.Parse(args); err != nil {
		return err
	}

	update, err := preferenceUpdate(fs, *name, *aspect, *duration, *notify)
	if err != nil {
		return err
	}

	return withSession(ctx, creds(), func(ctx context.Context, s *session) error {
		user, err := s.deps.Gateway.UpdatePreferences(ctx, update)
		if err != nil {
			return err
		}
		s.deps.Auth.NotifyUserUpdated(user.AuthID)
		fmt.Fprintf(out, "defaults: %s, %.0fs, notifications %t\n", user.DefaultAspectRatio, user.DefaultDuration, user.NotificationsEnabled)
		return nil
	})
}

// preferenceUpdate turns the flags that were set into a partial profile update.
func preferenceUpdate(fs *flag.FlagSet, name, aspect string, duration float64, notify string) (models.ProfileUpdate, error) {
	var update models.ProfileUpdate
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "name":
			update.DisplayName = &name
		case "aspect":
			var ratio models.AspectRatio
			if ratio, err = parseAspectRatio(aspect); err == nil {
				update.DefaultAspectRatio = &ratio
			}
		case "duration":
			if err = generation.ValidateDuration(duration); err == nil {
				update.DefaultDuration = &duration
			}
		case "notifications":
			var enabled bool
			switch strings.ToLower(notify) {
			case "on", "true", "yes":
				enabled = true
			case "off", "false", "no":
			default:
				err = fmt.Errorf("notifications must be on or off, got %q", notify)
				return
			}
			update.NotificationsEnabled = &enabled
		}
	})
	if err != nil {
		return models.ProfileUpdate{}, err
	}
	if update.Empty() {
		return models.ProfileUpdate{}, errors.New("nothing to update")
	}
	return update, nil
}

func runDelete(ctx context.Context, out io.Writer, args []string) error {
	fs := newFlagSet("delete")
	creds := credentialFlags(fs)
	id := fs.String("id", "", "video id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(ctx, creds(), func(ctx context.Context, s *session) error {
		video, err := findVideo(ctx, s, *id)
		if err != nil {
			return err
		}
		if video.Status == models.VideoStatusCompleted {
			err = s.deps.Gateway.DeleteVideo(ctx, video.StorageKey)
		} else {
			err = s.deps.Gateway.DeleteVideoMetadata(ctx, video.ID)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", video.ID)
		return nil
	})
}

func runDownload(ctx context.Context, out io.Writer, args []string) error {
	fs := newFlagSet("download")
	creds := credentialFlags(fs)
	id := fs.String("id", "", "video id")
	path := fs.String("out", "", "output file (default: <id>.mp4)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(ctx, creds(), func(ctx context.Context, s *session) error {
		video, err := findVideo(ctx, s, *id)
		if err != nil {
			return err
		}
		data, err := s.deps.Gateway.DownloadVideo(ctx, video.StorageKey)
		if err != nil {
			return err
		}

		target := *path
		if target == "" {
			target = video.ID + ".mp4"
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		fmt.Fprintf(out, "saved %s (%s)\n", target, formatBytes(int64(len(data))))
		return nil
	})
}

func runShare(ctx context.Context, out io.Writer, args []string) error {
	fs := newFlagSet("share")
	creds := credentialFlags(fs)
	id := fs.String("id", "", "video id")
	expiry := fs.Duration("expires", 0, "link lifetime (default 1h)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(ctx, creds(), func(ctx context.Context, s *session) error {
		video, err := findVideo(ctx, s, *id)
		if err != nil {
			return err
		}
		link, err := s.deps.Gateway.SignedURL(ctx, video.StorageKey, *expiry)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, link)
		return nil
	})
}

func findVideo(ctx context.Context, s *session, id string) (models.Video, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Video{}, errors.New("-id is required")
	}
	videos, err := s.deps.Gateway.LoadUserVideos(ctx)
	if err != nil {
		return models.Video{}, err
	}
	for _, v := range videos {
		if v.ID == id {
			return v, nil
		}
	}
	return models.Video{}, fmt.Errorf("video %s not found", id)
}

func parseAspectRatio(raw string) (models.AspectRatio, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case "16:9", "landscape":
		return models.AspectLandscape, nil
	case "9:16", "portrait":
		return models.AspectPortrait, nil
	case "1:1", "square":
		return models.AspectSquare, nil
	default:
		return "", fmt.Errorf("unsupported aspect ratio %q", raw)
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func formatBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}
