// Package libvirt runs kiln VMs as libvirt domains.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - A version-checked connection to the local daemon
//   - Domain XML generation from a vmm.LaunchConfig
//   - A vmm.Launcher that defines, starts, watches and removes domains
//
// Every VM is a transient domain named kiln-<cid>. The launcher records
// which daemon owns the domain in its metadata (see internal/metadata),
// polls its state until it stops, and undefines it afterwards:
//
//	conn, err := libvirt.Dial(ctx, cfg.Libvirt.SocketPath, cfg.Libvirt.Timeout, logger)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	launcher := libvirt.NewLauncher(conn.Libvirt(), libvirt.LauncherConfig{
//	    DaemonID:     daemonID,
//	    PollInterval: cfg.Libvirt.PollInterval,
//	    Logger:       logger,
//	})
//
// Consumer-Side Interfaces:
//
// The launcher depends on the Client interface, which *libvirt.Libvirt
// satisfies implicitly. Tests substitute a mock.
package libvirt
