// internal/ui/ui.go
package ui

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"videoextend/internal/probe"

	"github.com/charmbracelet/lipgloss"
	"github.com/manifoldco/promptui"
)

var (
	infoStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7C3AED")).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#111827"))
)

func DisplayMediaInfo(path string, info *probe.MediaInfo) {
	content := fmt.Sprintf(
		"%s %s\n"+
			"%s %s\n"+
			"%s %s\n"+
			"%s %.2f fps\n"+
			"%s %s (%d frames)\n"+
			"%s %s",
		labelStyle.Render("📁 File:"), valueStyle.Render(filepath.Base(path)),
		labelStyle.Render("📊 Size:"), valueStyle.Render(fileSize(path)),
		labelStyle.Render("📐 Resolution:"), valueStyle.Render(info.Resolution()),
		labelStyle.Render("🎞️  Frame rate:"), info.FPS,
		labelStyle.Render("⏱️  Duration:"), valueStyle.Render(FormatDuration(info.Duration)), info.FrameCount,
		labelStyle.Render("🎬 Codec:"), valueStyle.Render(info.Codec),
	)

	fmt.Println(infoStyle.Render(content))
}

// DisplayOutputPreview shows what a run will produce before it starts.
func DisplayOutputPreview(info *probe.MediaInfo, multiplier int, output string) {
	slowedDuration := info.Duration * float64(multiplier)
	content := fmt.Sprintf(
		"%s %s\n"+
			"%s %dx slower (%d frames)\n"+
			"%s %s",
		labelStyle.Render("💾 Output:"), valueStyle.Render(filepath.Base(output)),
		labelStyle.Render("🐢 Speed:"), multiplier, info.FrameCount*multiplier,
		labelStyle.Render("⏱️  New duration:"), valueStyle.Render(FormatDuration(slowedDuration)),
	)

	fmt.Println(infoStyle.Render(content))
}

// SelectMultiplier interactively picks a slow-motion factor. Only powers of
// two are offered; the interpolation tool doubles frames per pass.
func SelectMultiplier() (int, error) {
	prompt := promptui.Select{
		Label: "Slow-motion multiplier",
		Items: []string{"2x", "4x", "8x", "16x"},
	}
	_, choice, err := prompt.Run()
	if err != nil {
		return 0, fmt.Errorf("multiplier selection cancelled: %w", err)
	}
	m, err := strconv.Atoi(choice[:len(choice)-1])
	if err != nil {
		return 0, err
	}
	return m, nil
}

// SelectModel interactively picks an interpolation model.
func SelectModel(models []string) (string, error) {
	if len(models) == 0 {
		return "", fmt.Errorf("no interpolation models installed")
	}
	prompt := promptui.Select{
		Label: "Interpolation model",
		Items: models,
	}
	_, choice, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("model selection cancelled: %w", err)
	}
	return choice, nil
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "unknown"
	}
	return FormatFileSize(info.Size())
}

// FormatFileSize converts bytes to human-readable format
func FormatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration converts seconds to MM:SS format
func FormatDuration(seconds float64) string {
	totalSeconds := int(seconds)
	minutes := totalSeconds / 60
	remainingSeconds := totalSeconds % 60

	return fmt.Sprintf("%02d:%02d", minutes, remainingSeconds)
}
