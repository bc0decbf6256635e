package cli

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"cryptsync/internal/blocks"
	"cryptsync/internal/envelope"
	"cryptsync/internal/hashid"
	"cryptsync/internal/keychain"
	"cryptsync/internal/pathutil"
)

// manifestName is the file written alongside the per-block ciphertext
// files, recording the BlockList needed to reassemble them.
const manifestName = "manifest.txt"

func newBlocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Chop or reassemble a file through the block transfer and envelope layers",
	}
	cmd.AddCommand(newBlocksSplitCmd())
	cmd.AddCommand(newBlocksJoinCmd())
	return cmd
}

func newBlocksSplitCmd() *cobra.Command {
	var masterKeyHex string
	var blockSize int
	cmd := &cobra.Command{
		Use:   "split <input-file> <output-dir>",
		Short: "Split a file into encrypted, content-addressed blocks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputPath, err := pathutil.ResolveAbsolutePath(args[0])
			if err != nil {
				return fmt.Errorf("resolve input path: %w", err)
			}
			outDir, err := pathutil.ResolveAbsolutePath(args[1])
			if err != nil {
				return fmt.Errorf("resolve output directory: %w", err)
			}

			master, err := resolveMasterKey(masterKeyHex)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}

			in, err := os.Open(inputPath)
			if err != nil {
				return fmt.Errorf("open input file: %w", err)
			}
			defer in.Close()

			sink := func(h hashid.HashId, data []byte) error {
				return writeEncryptedBlock(outDir, h, data, master)
			}

			list, err := blocks.StreamToBlocks(in, sink, blockSize, master.HmacSecret())
			if err != nil {
				return err
			}
			if err := writeManifest(outDir, list); err != nil {
				return err
			}

			GetLogger().Infof("split %s into %d block(s), %d bytes, master key %s",
				inputPath, len(list.Blocks), list.Size, hex.EncodeToString(master[:]))
			return nil
		},
	}
	cmd.Flags().StringVar(&masterKeyHex, "master-key", "", "Hex-encoded 32-byte master key (generates and prints a fresh one if omitted)")
	cmd.Flags().IntVar(&blockSize, "block-size", 4<<20, "Maximum block size in bytes")
	return cmd
}

func newBlocksJoinCmd() *cobra.Command {
	var masterKeyHex string
	cmd := &cobra.Command{
		Use:   "join <block-dir> <output-file>",
		Short: "Reassemble a file from a directory produced by blocks split",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			blockDir, err := pathutil.ResolveAbsolutePath(args[0])
			if err != nil {
				return fmt.Errorf("resolve block directory: %w", err)
			}
			outputPath, err := pathutil.ResolveAbsolutePath(args[1])
			if err != nil {
				return fmt.Errorf("resolve output path: %w", err)
			}

			master, err := resolveMasterKey(masterKeyHex)
			if err != nil {
				return err
			}
			list, err := readManifest(blockDir)
			if err != nil {
				return err
			}

			out, err := os.Create(outputPath)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer out.Close()

			fetch := func(h hashid.HashId) (io.Reader, error) {
				plain, err := readEncryptedBlock(blockDir, h, master)
				if err != nil {
					return nil, err
				}
				return bytes.NewReader(plain), nil
			}

			if err := blocks.BlocksToStream(list, out, fetch, master.HmacSecret()); err != nil {
				return err
			}
			GetLogger().Infof("reassembled %s from %d block(s)", outputPath, len(list.Blocks))
			return nil
		},
	}
	cmd.Flags().StringVar(&masterKeyHex, "master-key", "", "Hex-encoded 32-byte master key used to split the blocks")
	cmd.MarkFlagRequired("master-key")
	return cmd
}

func resolveMasterKey(hexKey string) (keychain.MasterKey, error) {
	if hexKey == "" {
		return keychain.NewMasterKey(rand.Reader)
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return keychain.MasterKey{}, fmt.Errorf("decode --master-key: %w", err)
	}
	if len(raw) != hashid.Size {
		return keychain.MasterKey{}, fmt.Errorf("--master-key must be %d bytes hex-encoded, got %d", hashid.Size, len(raw))
	}
	var master keychain.MasterKey
	copy(master[:], raw)
	return master, nil
}

func writeEncryptedBlock(outDir string, h hashid.HashId, plaintext []byte, master keychain.MasterKey) error {
	path := filepath.Join(outDir, h.String()+".block")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create block file: %w", err)
	}
	defer f.Close()
	return envelope.EncryptObject(f, bytes.NewReader(plaintext), master, rand.Reader)
}

func readEncryptedBlock(blockDir string, h hashid.HashId, master keychain.MasterKey) ([]byte, error) {
	path := filepath.Join(blockDir, h.String()+".block")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open block file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := envelope.DecryptObject(&buf, f, master); err != nil {
		return nil, fmt.Errorf("decrypt block %s: %w", h, err)
	}
	return buf.Bytes(), nil
}

// writeManifest and readManifest persist a BlockList as plain text: the
// total HMAC, the byte size, and one block hash per line. This format is
// local to the demonstration CLI, not part of the wire protocol.
func writeManifest(outDir string, list blocks.BlockList) error {
	path := filepath.Join(outDir, manifestName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, list.Total.String())
	fmt.Fprintln(w, list.Size)
	for _, h := range list.Blocks {
		fmt.Fprintln(w, h.String())
	}
	return w.Flush()
}

func readManifest(blockDir string) (blocks.BlockList, error) {
	path := filepath.Join(blockDir, manifestName)
	f, err := os.Open(path)
	if err != nil {
		return blocks.BlockList{}, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var list blocks.BlockList

	if !scanner.Scan() {
		return blocks.BlockList{}, fmt.Errorf("manifest: missing total hash")
	}
	total, err := parseHashId(scanner.Text())
	if err != nil {
		return blocks.BlockList{}, fmt.Errorf("manifest: total hash: %w", err)
	}
	list.Total = total

	if !scanner.Scan() {
		return blocks.BlockList{}, fmt.Errorf("manifest: missing size")
	}
	size, err := strconv.ParseUint(scanner.Text(), 10, 64)
	if err != nil {
		return blocks.BlockList{}, fmt.Errorf("manifest: size: %w", err)
	}
	list.Size = size

	for scanner.Scan() {
		h, err := parseHashId(scanner.Text())
		if err != nil {
			return blocks.BlockList{}, fmt.Errorf("manifest: block hash: %w", err)
		}
		list.Blocks = append(list.Blocks, h)
	}
	if err := scanner.Err(); err != nil {
		return blocks.BlockList{}, fmt.Errorf("manifest: read: %w", err)
	}
	return list, nil
}

func parseHashId(s string) (hashid.HashId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return hashid.HashId{}, err
	}
	if len(raw) != hashid.Size {
		return hashid.HashId{}, fmt.Errorf("expected %d bytes, got %d", hashid.Size, len(raw))
	}
	var h hashid.HashId
	copy(h[:], raw)
	return h, nil
}
